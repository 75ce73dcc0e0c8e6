// Package rpctest provides an in-process JSON-RPC node for tests.
package rpctest

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainreader/internal/codec"
	"chainreader/internal/jsonrpc"
)

// MethodHandler answers a plain JSON-RPC method
type MethodHandler func(params []json.RawMessage) (interface{}, *jsonrpc.Error)

// CallHandler answers eth_call for one (target, selector) pair with raw return data
type CallHandler func(call codec.Call) ([]byte, *jsonrpc.Error)

type callKey struct {
	target   common.Address
	selector [4]byte
}

// Node is a fake JSON-RPC endpoint backed by httptest
type Node struct {
	server *httptest.Server

	mu             sync.Mutex
	methods        map[string]MethodHandler
	calls          map[callKey]CallHandler
	balances       map[common.Address]*big.Int
	multicall      *common.Address
	batchSupported bool
	reverseBatch   bool
	failQueue      []int
	gate           chan struct{}
	delay          time.Duration
	block          uint64

	httpRequests int
	methodCounts map[string]int
	callCounts   map[callKey]int
}

// RevertError is what a reverted eth_call returns
var RevertError = jsonrpc.NewError(jsonrpc.CodeExecutionReverted, "execution reverted")

// NewNode starts a node that is closed when the test ends
func NewNode(t testing.TB) *Node {
	n := &Node{
		methods:        make(map[string]MethodHandler),
		calls:          make(map[callKey]CallHandler),
		balances:       make(map[common.Address]*big.Int),
		batchSupported: true,
		block:          100,
		methodCounts:   make(map[string]int),
		callCounts:     make(map[callKey]int),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	t.Cleanup(n.Close)
	return n
}

// URL returns the HTTP endpoint
func (n *Node) URL() string {
	return n.server.URL
}

// Close stops the server, releasing any paused requests first
func (n *Node) Close() {
	n.mu.Lock()
	if n.gate != nil {
		close(n.gate)
		n.gate = nil
	}
	n.mu.Unlock()
	n.server.Close()
}

// Handle overrides a method
func (n *Node) Handle(method string, h MethodHandler) {
	n.mu.Lock()
	n.methods[method] = h
	n.mu.Unlock()
}

// HandleCall registers an eth_call handler for target and selector
func (n *Node) HandleCall(target common.Address, selector [4]byte, h CallHandler) {
	n.mu.Lock()
	n.calls[callKey{target, selector}] = h
	n.mu.Unlock()
}

// SetBlock sets the value reported by eth_blockNumber and multicall
func (n *Node) SetBlock(b uint64) {
	n.mu.Lock()
	n.block = b
	n.mu.Unlock()
}

// SetBalance sets the native balance returned by eth_getBalance
func (n *Node) SetBalance(addr common.Address, wei *big.Int) {
	n.mu.Lock()
	n.balances[addr] = new(big.Int).Set(wei)
	n.mu.Unlock()
}

// SetMulticall makes eth_call to addr behave like an aggregate contract.
// Any failing sub-call reverts the whole aggregate.
func (n *Node) SetMulticall(addr common.Address) {
	n.mu.Lock()
	n.multicall = &addr
	n.mu.Unlock()
}

// SetBatchSupported toggles JSON array batching
func (n *Node) SetBatchSupported(ok bool) {
	n.mu.Lock()
	n.batchSupported = ok
	n.mu.Unlock()
}

// SetReverseBatch answers batches in reverse order
func (n *Node) SetReverseBatch(ok bool) {
	n.mu.Lock()
	n.reverseBatch = ok
	n.mu.Unlock()
}

// FailNext answers the next count HTTP requests with status
func (n *Node) FailNext(count, status int) {
	n.mu.Lock()
	for i := 0; i < count; i++ {
		n.failQueue = append(n.failQueue, status)
	}
	n.mu.Unlock()
}

// SetDelay delays every answer
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// Pause holds every request until resume is called
func (n *Node) Pause() (resume func()) {
	n.mu.Lock()
	gate := make(chan struct{})
	n.gate = gate
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			if n.gate == gate {
				close(gate)
				n.gate = nil
			}
			n.mu.Unlock()
		})
	}
}

// Requests returns the number of HTTP round trips served
func (n *Node) Requests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.httpRequests
}

// MethodCalls returns how often a method was invoked, batched entries included
func (n *Node) MethodCalls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.methodCounts[method]
}

// CallCount returns how often target+selector was called directly through eth_call
func (n *Node) CallCount(target common.Address, selector [4]byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.callCounts[callKey{target, selector}]
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.httpRequests++
	gate := n.gate
	delay := n.delay
	var failStatus int
	if len(n.failQueue) > 0 {
		failStatus = n.failQueue[0]
		n.failQueue = n.failQueue[1:]
	}
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		http.Error(w, "simulated failure", failStatus)
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		writeJSON(w, jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.NewError(jsonrpc.CodeParseError, err.Error())))
		return
	}

	n.mu.Lock()
	batchSupported, reverse := n.batchSupported, n.reverseBatch
	n.mu.Unlock()

	if !isBatch {
		writeJSON(w, n.answer(requests[0]))
		return
	}
	if !batchSupported {
		writeJSON(w, jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "batch requests are not supported")))
		return
	}

	responses := make([]*jsonrpc.Response, len(requests))
	for i, req := range requests {
		responses[i] = n.answer(req)
	}
	if reverse {
		for i, j := 0, len(responses)-1; i < j; i, j = i+1, j-1 {
			responses[i], responses[j] = responses[j], responses[i]
		}
	}
	writeJSON(w, responses)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) answer(req *jsonrpc.Request) *jsonrpc.Response {
	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "params must be an array"))
		}
	}

	n.mu.Lock()
	n.methodCounts[req.Method]++
	custom := n.methods[req.Method]
	n.mu.Unlock()

	var (
		result interface{}
		rpcErr *jsonrpc.Error
	)
	switch {
	case custom != nil:
		result, rpcErr = custom(params)
	case req.Method == "eth_blockNumber":
		n.mu.Lock()
		result = hexutil.Uint64(n.block)
		n.mu.Unlock()
	case req.Method == "eth_chainId":
		result = hexutil.Uint64(1)
	case req.Method == "eth_getBalance":
		result, rpcErr = n.getBalance(params)
	case req.Method == "eth_call":
		result, rpcErr = n.ethCall(params)
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, fmt.Sprintf("the method %s does not exist", req.Method))
	}

	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}
	return resp
}

func (n *Node) getBalance(params []json.RawMessage) (interface{}, *jsonrpc.Error) {
	if len(params) < 1 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "missing address")
	}
	var addr common.Address
	if err := json.Unmarshal(params[0], &addr); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	bal, ok := n.balances[addr]
	if !ok {
		bal = new(big.Int)
	}
	return (*hexutil.Big)(new(big.Int).Set(bal)), nil
}

func (n *Node) ethCall(params []json.RawMessage) (interface{}, *jsonrpc.Error) {
	if len(params) < 1 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "missing call object")
	}
	var obj struct {
		To    common.Address `json:"to"`
		Data  hexutil.Bytes  `json:"data"`
		Input hexutil.Bytes  `json:"input"`
	}
	if err := json.Unmarshal(params[0], &obj); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	data := obj.Input
	if len(data) == 0 {
		data = obj.Data
	}

	n.mu.Lock()
	isMulticall := n.multicall != nil && *n.multicall == obj.To
	n.mu.Unlock()

	if isMulticall {
		return n.aggregate(data)
	}

	call, err := codec.CallFromData(obj.To, data)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}

	n.mu.Lock()
	n.callCounts[callKey{call.Target, call.Selector}]++
	n.mu.Unlock()

	out, rpcErr := n.dispatch(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.Bytes(out), nil
}

func (n *Node) dispatch(call codec.Call) ([]byte, *jsonrpc.Error) {
	n.mu.Lock()
	h := n.calls[callKey{call.Target, call.Selector}]
	n.mu.Unlock()

	if h == nil {
		// Calls to accounts without code return empty data
		return []byte{}, nil
	}
	return h(call)
}

func (n *Node) aggregate(data []byte) (interface{}, *jsonrpc.Error) {
	calls, err := codec.DecodeAggregateInput(data)
	if err != nil {
		return nil, RevertError
	}

	returnData := make([][]byte, len(calls))
	for i, c := range calls {
		out, rpcErr := n.dispatch(c)
		if rpcErr != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeExecutionReverted, "execution reverted: Multicall aggregate: call failed")
		}
		returnData[i] = out
	}

	n.mu.Lock()
	block := new(big.Int).SetUint64(n.block)
	n.mu.Unlock()

	out, err := codec.EncodeAggregateOutput(block, returnData)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return hexutil.Bytes(out), nil
}
