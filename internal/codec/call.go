package codec

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is one elementary read: a target contract, a function selector and its encoded arguments
type Call struct {
	Target   common.Address
	Selector [4]byte
	Args     []byte
}

// Data returns the calldata sent to the target
func (c Call) Data() []byte {
	out := make([]byte, 0, 4+len(c.Args))
	out = append(out, c.Selector[:]...)
	return append(out, c.Args...)
}

// String returns target:calldata, stable for identical calls
func (c Call) String() string {
	return fmt.Sprintf("%s:%s", hex.EncodeToString(c.Target.Bytes()), hex.EncodeToString(c.Data()))
}

// NewCall packs a method of a parsed ABI into a Call
func NewCall(contract abi.ABI, target common.Address, method string, args ...interface{}) (Call, error) {
	m, ok := contract.Methods[method]
	if !ok {
		return Call{}, fmt.Errorf("method %q not found", method)
	}
	packed, err := m.Inputs.Pack(args...)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}

	c := Call{Target: target, Args: packed}
	copy(c.Selector[:], m.ID)
	return c, nil
}

// CallFromData splits raw calldata back into a Call
func CallFromData(target common.Address, data []byte) (Call, error) {
	if len(data) < 4 {
		return Call{}, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	c := Call{Target: target, Args: append([]byte(nil), data[4:]...)}
	copy(c.Selector[:], data[:4])
	return c, nil
}

// mustCall is used for the fixed-shape reads below whose packing cannot fail
func mustCall(contract abi.ABI, target common.Address, method string, args ...interface{}) Call {
	c, err := NewCall(contract, target, method, args...)
	if err != nil {
		panic("codec: " + err.Error())
	}
	return c
}

// BalanceOf reads an ERC-20 balance
func BalanceOf(token, owner common.Address) Call {
	return mustCall(ERC20ABI, token, "balanceOf", owner)
}

// Decimals reads ERC-20 decimals
func Decimals(token common.Address) Call {
	return mustCall(ERC20ABI, token, "decimals")
}

// Symbol reads the ERC-20 symbol
func Symbol(token common.Address) Call {
	return mustCall(ERC20ABI, token, "symbol")
}

// TotalSupply reads ERC-20 total supply
func TotalSupply(token common.Address) Call {
	return mustCall(ERC20ABI, token, "totalSupply")
}

// GetReserves reads pair reserves
func GetReserves(pair common.Address) Call {
	return mustCall(PairABI, pair, "getReserves")
}

// Token0 reads the first token of a pair
func Token0(pair common.Address) Call {
	return mustCall(PairABI, pair, "token0")
}

// Token1 reads the second token of a pair
func Token1(pair common.Address) Call {
	return mustCall(PairABI, pair, "token1")
}

// AllPairsLength reads the number of pairs created by a factory
func AllPairsLength(factory common.Address) Call {
	return mustCall(FactoryABI, factory, "allPairsLength")
}

// AllPairs reads the pair at index i
func AllPairs(factory common.Address, i uint64) Call {
	return mustCall(FactoryABI, factory, "allPairs", new(big.Int).SetUint64(i))
}
