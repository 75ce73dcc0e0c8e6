package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/rpcerr"
)

// aggregateCall mirrors the (address target, bytes callData) tuple
type aggregateCall struct {
	Target   common.Address
	CallData []byte
}

// EncodeAggregate packs calls into aggregate((address,bytes)[]) calldata
func EncodeAggregate(calls []Call) ([]byte, error) {
	tuples := make([]aggregateCall, len(calls))
	for i, c := range calls {
		tuples[i] = aggregateCall{Target: c.Target, CallData: c.Data()}
	}
	data, err := MulticallABI.Pack("aggregate", tuples)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate: %w", err)
	}
	return data, nil
}

// DecodeAggregate unpacks (uint256 blockNumber, bytes[] returnData)
func DecodeAggregate(data []byte) (*big.Int, [][]byte, error) {
	out, err := MulticallABI.Unpack("aggregate", data)
	if err != nil {
		return nil, nil, rpcerr.NewDecodeError("aggregate", err)
	}
	if len(out) != 2 {
		return nil, nil, rpcerr.NewDecodeError("aggregate", fmt.Errorf("expected 2 values, got %d", len(out)))
	}
	block, ok := out[0].(*big.Int)
	if !ok {
		return nil, nil, rpcerr.NewDecodeError("aggregate", fmt.Errorf("blockNumber is %T", out[0]))
	}
	returnData, ok := out[1].([][]byte)
	if !ok {
		return nil, nil, rpcerr.NewDecodeError("aggregate", fmt.Errorf("returnData is %T", out[1]))
	}
	return block, returnData, nil
}

// DecodeAggregateInput is the inverse of EncodeAggregate, used by test nodes
func DecodeAggregateInput(data []byte) ([]Call, error) {
	m := MulticallABI.Methods["aggregate"]
	if len(data) < 4 || string(data[:4]) != string(m.ID) {
		return nil, fmt.Errorf("not an aggregate call")
	}
	out, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	var tuples []aggregateCall
	if err := convert(out[0], &tuples); err != nil {
		return nil, err
	}

	calls := make([]Call, len(tuples))
	for i, t := range tuples {
		c, err := CallFromData(t.Target, t.CallData)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		calls[i] = c
	}
	return calls, nil
}

// EncodeAggregateOutput packs a multicall answer, used by test nodes
func EncodeAggregateOutput(block *big.Int, returnData [][]byte) ([]byte, error) {
	return MulticallABI.Methods["aggregate"].Outputs.Pack(block, returnData)
}

func convert(in interface{}, out *[]aggregateCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("convert aggregate input: %v", r)
		}
	}()
	*out = *abi.ConvertType(in, out).(*[]aggregateCall)
	return nil
}
