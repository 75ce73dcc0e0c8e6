package codec

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/rpcerr"
)

// Decoder turns raw return data into a typed value
type Decoder func(data []byte) (interface{}, error)

// Reserves is the decoded result of getReserves
type Reserves struct {
	Reserve0           *big.Int `json:"reserve0"`
	Reserve1           *big.Int `json:"reserve1"`
	BlockTimestampLast uint32   `json:"blockTimestampLast"`
}

var (
	uint256Args  = abi.Arguments{{Type: mustType("uint256")}}
	uint8Args    = abi.Arguments{{Type: mustType("uint8")}}
	stringArgs   = abi.Arguments{{Type: mustType("string")}}
	addressArgs  = abi.Arguments{{Type: mustType("address")}}
	reservesArgs = PairABI.Methods["getReserves"].Outputs
)

func unpackOne(args abi.Arguments, what string, data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, rpcerr.NewDecodeError(what, fmt.Errorf("empty return data"))
	}
	out, err := args.Unpack(data)
	if err != nil {
		return nil, rpcerr.NewDecodeError(what, err)
	}
	if len(out) != 1 {
		return nil, rpcerr.NewDecodeError(what, fmt.Errorf("expected 1 value, got %d", len(out)))
	}
	return out[0], nil
}

// DecodeUint256 decodes a single uint256 into *big.Int
func DecodeUint256(data []byte) (interface{}, error) {
	return unpackOne(uint256Args, "uint256", data)
}

// DecodeUint8 decodes a single uint8
func DecodeUint8(data []byte) (interface{}, error) {
	return unpackOne(uint8Args, "uint8", data)
}

// DecodeAddress decodes a single address
func DecodeAddress(data []byte) (interface{}, error) {
	return unpackOne(addressArgs, "address", data)
}

// DecodeString decodes a string. Some older tokens return bytes32 for symbol,
// which is accepted and trimmed of trailing zeros.
func DecodeString(data []byte) (interface{}, error) {
	v, err := unpackOne(stringArgs, "string", data)
	if err == nil {
		return v, nil
	}
	if len(data) == 32 {
		return string(bytes.TrimRight(data, "\x00")), nil
	}
	return nil, err
}

// DecodeReserves decodes getReserves output
func DecodeReserves(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, rpcerr.NewDecodeError("reserves", fmt.Errorf("empty return data"))
	}
	out, err := reservesArgs.Unpack(data)
	if err != nil {
		return nil, rpcerr.NewDecodeError("reserves", err)
	}
	if len(out) != 3 {
		return nil, rpcerr.NewDecodeError("reserves", fmt.Errorf("expected 3 values, got %d", len(out)))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	ts, ok2 := out[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return nil, rpcerr.NewDecodeError("reserves", fmt.Errorf("unexpected value types"))
	}
	return Reserves{Reserve0: r0, Reserve1: r1, BlockTimestampLast: ts}, nil
}

// As converts a decoded value to T, failing with a decode error on mismatch
func As[T any](v interface{}) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, rpcerr.NewDecodeError(fmt.Sprintf("%T", zero), fmt.Errorf("got %T", v))
	}
	return t, nil
}

// Addr is a convenience for reading an address result
func Addr(v interface{}) (common.Address, error) {
	return As[common.Address](v)
}
