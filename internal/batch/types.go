package batch

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainreader/internal/codec"
	"chainreader/internal/executor"
	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpcerr"
)

// Item is one read in a batch
type Item struct {
	Call   codec.Call
	Decode codec.Decoder // nil returns the raw bytes
}

// Result is the outcome of the item at the same index
type Result struct {
	Value interface{}
	Err   error
}

// Transport is the endpoint the batch is sent to
type Transport interface {
	Call(ctx context.Context, out interface{}, method string, params ...interface{}) error
	ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error)
	NextID() jsonrpc.ID
}

// Runner runs one remote call with retries. Record reports a per-item failure
// found inside a successful round trip.
type Runner interface {
	Execute(ctx context.Context, key string, fn executor.Func, opts executor.Options) (interface{}, error)
	Record(err error) rpcerr.Class
}

// Hooks receive batch events
type Hooks struct {
	RoundTrip func(mechanism string, items int)
	Fallback  func(mechanism string, items int)
}

const (
	mechanismMulticall = "multicall"
	mechanismNative    = "native"
)

func callObject(c codec.Call) jsonrpc.CallObject {
	return jsonrpc.CallObject{
		To:   c.Target.Hex(),
		Data: hexutil.Encode(c.Data()),
	}
}

func decodeItem(item Item, data []byte) (interface{}, error) {
	if item.Decode == nil {
		return append([]byte(nil), data...), nil
	}
	v, err := item.Decode(data)
	if err != nil {
		if rpcerr.Classify(err) != rpcerr.ClassDecode {
			err = rpcerr.NewDecodeError(item.Call.String(), err)
		}
		return nil, err
	}
	return v, nil
}

func fill(out []Result, err error) {
	for i := range out {
		out[i] = Result{Err: err}
	}
}
