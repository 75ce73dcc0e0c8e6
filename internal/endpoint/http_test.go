package endpoint

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpcerr"
	"chainreader/internal/rpctest"
)

func TestHTTPHandle_Call(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBlock(0x1234)
	h := NewHTTPHandle(node.URL(), time.Second, zerolog.Nop())

	var block hexutil.Uint64
	require.NoError(t, h.Call(context.Background(), &block, "eth_blockNumber"))
	assert.Equal(t, uint64(0x1234), uint64(block))

	wallet := common.HexToAddress("0xabc")
	node.SetBalance(wallet, big.NewInt(7))
	var bal hexutil.Big
	require.NoError(t, h.Call(context.Background(), &bal, "eth_getBalance", wallet, "latest"))
	assert.Equal(t, int64(7), bal.ToInt().Int64())

	assert.Equal(t, uint64(2), h.RequestCount())
}

func TestHTTPHandle_RPCError(t *testing.T) {
	node := rpctest.NewNode(t)
	h := NewHTTPHandle(node.URL(), time.Second, zerolog.Nop())

	err := h.Call(context.Background(), nil, "eth_doesNotExist")
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, rpcerr.ClassFatal, rpcerr.Classify(err))
}

func TestHTTPHandle_StatusError(t *testing.T) {
	node := rpctest.NewNode(t)
	node.FailNext(1, http.StatusTooManyRequests)
	h := NewHTTPHandle(node.URL(), time.Second, zerolog.Nop())

	err := h.Call(context.Background(), nil, "eth_blockNumber")
	var statusErr *rpcerr.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, rpcerr.ClassRateLimited, rpcerr.Classify(err))
}

func TestHTTPHandle_Batch(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetReverseBatch(true)
	h := NewHTTPHandle(node.URL(), time.Second, zerolog.Nop())

	var reqs []*jsonrpc.Request
	for i := 0; i < 3; i++ {
		req, err := jsonrpc.NewRequest("eth_chainId", []interface{}{}, h.NextID())
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	responses, err := h.ExecuteBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	first, ok := responses[0].ID.Int64()
	require.True(t, ok)
	last, _ := reqs[2].ID.Int64()
	assert.Equal(t, last, first)
	assert.Equal(t, 1, node.Requests())
}

func TestHTTPHandle_BatchUnsupported(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBatchSupported(false)
	h := NewHTTPHandle(node.URL(), time.Second, zerolog.Nop())

	req, err := jsonrpc.NewRequest("eth_chainId", []interface{}{}, h.NextID())
	require.NoError(t, err)

	_, err = h.ExecuteBatch(context.Background(), []*jsonrpc.Request{req})
	assert.ErrorIs(t, err, rpcerr.ErrUnsupported)
	assert.Equal(t, rpcerr.ClassFatal, rpcerr.Classify(err))
}
