package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/codec"
	"chainreader/internal/reader"
)

// ErrNoPools is returned when a factory enumeration yields nothing usable
var ErrNoPools = errors.New("no pools could be read")

// Pool is one constant-product pair with its current reserves
type Pool struct {
	Address   common.Address `json:"address"`
	Token0    TokenMeta      `json:"token0"`
	Token1    TokenMeta      `json:"token1"`
	Reserve0  *big.Int       `json:"reserve0"`
	Reserve1  *big.Int       `json:"reserve1"`
	Timestamp uint32         `json:"blockTimestampLast"`
}

// Pools caches the pair list of a factory and per-pair reserves
type Pools struct {
	reader   *reader.Reader
	meta     *Metadata
	list     *Cache[[]Pool]
	reserves *Cache[codec.Reserves]
	maxPools int
}

// NewPools creates the pool caches
func NewPools(r *reader.Reader, meta *Metadata, opts Options) (*Pools, error) {
	list, err := NewCache[[]Pool]("pair_list", r, opts.PoolListTTL, opts.SettleDelay, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	reserves, err := NewCache[codec.Reserves]("pair_reserves", r, opts.ReservesTTL, opts.SettleDelay, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Pools{
		reader:   r,
		meta:     meta,
		list:     list,
		reserves: reserves,
		maxPools: opts.MaxPools,
	}, nil
}

// ListKey is the cache key of a factory's pool list
func ListKey(factory common.Address) string {
	return cache.Key("pair_list", factory.Hex())
}

// ReservesKey is the cache key of a pair's reserves
func ReservesKey(pair common.Address) string {
	return cache.Key("pair_reserves", pair.Hex())
}

// List enumerates the pairs of factory with their tokens and reserves
func (p *Pools) List(ctx context.Context, factory common.Address) reader.Result[[]Pool] {
	return p.list.Get(ctx, ListKey(factory), func(ctx context.Context) ([]Pool, error) {
		return p.fetchList(ctx, factory)
	})
}

// Reserves returns the current reserves of pair
func (p *Pools) Reserves(ctx context.Context, pair common.Address) reader.Result[codec.Reserves] {
	return p.reserves.Get(ctx, ReservesKey(pair), func(ctx context.Context) (codec.Reserves, error) {
		v, err := p.reader.Call(ctx, batch.Item{Call: codec.GetReserves(pair), Decode: codec.DecodeReserves})
		if err != nil {
			return codec.Reserves{}, err
		}
		return codec.As[codec.Reserves](v)
	})
}

// fetchList reads the pair count, the pair addresses, then tokens and reserves of every pair.
// Pairs whose reads fail are left out.
func (p *Pools) fetchList(ctx context.Context, factory common.Address) ([]Pool, error) {
	v, err := p.reader.Call(ctx, batch.Item{Call: codec.AllPairsLength(factory), Decode: codec.DecodeUint256})
	if err != nil {
		return nil, fmt.Errorf("allPairsLength: %w", err)
	}
	length, err := codec.As[*big.Int](v)
	if err != nil {
		return nil, err
	}
	n := length.Uint64()
	if p.maxPools > 0 && n > uint64(p.maxPools) {
		n = uint64(p.maxPools)
	}
	if n == 0 {
		return []Pool{}, nil
	}

	items := make([]batch.Item, n)
	for i := uint64(0); i < n; i++ {
		items[i] = batch.Item{Call: codec.AllPairs(factory, i), Decode: codec.DecodeAddress}
	}
	var pairs []common.Address
	for _, res := range p.reader.Aggregate(ctx, items) {
		if res.Err != nil {
			continue
		}
		if addr, err := codec.Addr(res.Value); err == nil {
			pairs = append(pairs, addr)
		}
	}
	if len(pairs) == 0 {
		return nil, ErrNoPools
	}

	items = make([]batch.Item, 0, len(pairs)*3)
	for _, pair := range pairs {
		items = append(items,
			batch.Item{Call: codec.Token0(pair), Decode: codec.DecodeAddress},
			batch.Item{Call: codec.Token1(pair), Decode: codec.DecodeAddress},
			batch.Item{Call: codec.GetReserves(pair), Decode: codec.DecodeReserves},
		)
	}
	details := p.reader.Aggregate(ctx, items)

	pools := make([]Pool, 0, len(pairs))
	var tokens []common.Address
	for i, pair := range pairs {
		group := details[i*3 : i*3+3]
		if group[0].Err != nil || group[1].Err != nil || group[2].Err != nil {
			continue
		}
		t0, err0 := codec.Addr(group[0].Value)
		t1, err1 := codec.Addr(group[1].Value)
		res, err2 := codec.As[codec.Reserves](group[2].Value)
		if err0 != nil || err1 != nil || err2 != nil {
			continue
		}
		pools = append(pools, Pool{
			Address:   pair,
			Token0:    TokenMeta{Address: t0},
			Token1:    TokenMeta{Address: t1},
			Reserve0:  res.Reserve0,
			Reserve1:  res.Reserve1,
			Timestamp: res.BlockTimestampLast,
		})
		tokens = append(tokens, t0, t1)
	}
	if len(pools) == 0 {
		return nil, ErrNoPools
	}

	metas := p.meta.Map(ctx, tokens)
	for i := range pools {
		if m, ok := metas[pools[i].Token0.Address]; ok {
			pools[i].Token0 = m
		}
		if m, ok := metas[pools[i].Token1.Address]; ok {
			pools[i].Token1 = m
		}
	}
	return pools, nil
}

// Reset drops every cached list and reserve
func (p *Pools) Reset() {
	p.list.Reset()
	p.reserves.Reset()
}

// Name returns the pair label, e.g. WETH/USDC
func (pl Pool) Name() string {
	return pl.Token0.Symbol + "/" + pl.Token1.Symbol
}
