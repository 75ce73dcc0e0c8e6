package rpctest

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/codec"
	"chainreader/internal/jsonrpc"
)

func selectorOf(c codec.Call) [4]byte {
	return c.Selector
}

func outputs(contract abi.ABI, method string, values ...interface{}) []byte {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic("rpctest: pack " + method + ": " + err.Error())
	}
	return out
}

// Static always answers with data
func Static(data []byte) CallHandler {
	return func(codec.Call) ([]byte, *jsonrpc.Error) { return data, nil }
}

// Revert always reverts
func Revert() CallHandler {
	return func(codec.Call) ([]byte, *jsonrpc.Error) { return nil, RevertError }
}

// Uint256 encodes a uint256 return value
func Uint256(v *big.Int) []byte {
	return outputs(codec.ERC20ABI, "totalSupply", v)
}

// Token is a fake ERC-20 whose balances can change during a test
type Token struct {
	Address  common.Address
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

// SetBalance updates a holder balance
func (t *Token) SetBalance(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	t.balances[owner] = new(big.Int).Set(amount)
	t.mu.Unlock()
}

func (t *Token) balanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *Token) totalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := new(big.Int)
	for _, b := range t.balances {
		sum.Add(sum, b)
	}
	return sum
}

// AddToken registers an ERC-20 answering symbol, decimals, balanceOf and totalSupply
func (n *Node) AddToken(addr common.Address, symbol string, decimals uint8) *Token {
	tok := &Token{Address: addr, balances: make(map[common.Address]*big.Int)}

	n.HandleCall(addr, selectorOf(codec.Symbol(addr)), Static(outputs(codec.ERC20ABI, "symbol", symbol)))
	n.HandleCall(addr, selectorOf(codec.Decimals(addr)), Static(outputs(codec.ERC20ABI, "decimals", decimals)))
	n.HandleCall(addr, selectorOf(codec.TotalSupply(addr)), func(codec.Call) ([]byte, *jsonrpc.Error) {
		return outputs(codec.ERC20ABI, "totalSupply", tok.totalSupply()), nil
	})
	n.HandleCall(addr, selectorOf(codec.BalanceOf(addr, common.Address{})), func(c codec.Call) ([]byte, *jsonrpc.Error) {
		if len(c.Args) < 32 {
			return nil, RevertError
		}
		owner := common.BytesToAddress(c.Args[12:32])
		return outputs(codec.ERC20ABI, "balanceOf", tok.balanceOf(owner)), nil
	})
	return tok
}

// Pair is a fake constant-product pair
type Pair struct {
	*Token
	Token0 common.Address
	Token1 common.Address

	reserveMu sync.Mutex
	reserve0  *big.Int
	reserve1  *big.Int
}

// SetReserves updates the pair reserves
func (p *Pair) SetReserves(r0, r1 *big.Int) {
	p.reserveMu.Lock()
	p.reserve0 = new(big.Int).Set(r0)
	p.reserve1 = new(big.Int).Set(r1)
	p.reserveMu.Unlock()
}

func (p *Pair) reserves() (*big.Int, *big.Int) {
	p.reserveMu.Lock()
	defer p.reserveMu.Unlock()
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

// Factory is a fake pair factory
type Factory struct {
	Address common.Address
	mu      sync.Mutex
	pairs   []common.Address
}

// AddFactory registers allPairsLength and allPairs on addr
func (n *Node) AddFactory(addr common.Address) *Factory {
	f := &Factory{Address: addr}

	n.HandleCall(addr, selectorOf(codec.AllPairsLength(addr)), func(codec.Call) ([]byte, *jsonrpc.Error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return outputs(codec.FactoryABI, "allPairsLength", big.NewInt(int64(len(f.pairs)))), nil
	})
	n.HandleCall(addr, selectorOf(codec.AllPairs(addr, 0)), func(c codec.Call) ([]byte, *jsonrpc.Error) {
		i := new(big.Int).SetBytes(c.Args)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !i.IsInt64() || i.Int64() >= int64(len(f.pairs)) {
			return nil, RevertError
		}
		return outputs(codec.FactoryABI, "allPairs", f.pairs[i.Int64()]), nil
	})
	return f
}

// AddPair registers a pair contract and appends it to the factory
func (n *Node) AddPair(f *Factory, addr, token0, token1 common.Address, r0, r1 *big.Int) *Pair {
	p := &Pair{
		Token:  n.AddToken(addr, "UNI-V2", 18),
		Token0: token0,
		Token1: token1,
	}
	p.SetReserves(r0, r1)

	n.HandleCall(addr, selectorOf(codec.Token0(addr)), Static(outputs(codec.PairABI, "token0", token0)))
	n.HandleCall(addr, selectorOf(codec.Token1(addr)), Static(outputs(codec.PairABI, "token1", token1)))
	n.HandleCall(addr, selectorOf(codec.GetReserves(addr)), func(codec.Call) ([]byte, *jsonrpc.Error) {
		a, b := p.reserves()
		return outputs(codec.PairABI, "getReserves", a, b, uint32(1700000000)), nil
	})

	if f != nil {
		f.mu.Lock()
		f.pairs = append(f.pairs, addr)
		f.mu.Unlock()
	}
	return p
}
