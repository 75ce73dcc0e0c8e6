package adapter

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/codec"
	"chainreader/internal/reader"
)

const (
	pricePlaces = 8
	lpDecimals  = 18
)

// PoolStats is the derived view of one pool
type PoolStats struct {
	Address  common.Address `json:"address"`
	Name     string         `json:"name"`
	Reserve0 string         `json:"reserve0"`
	Reserve1 string         `json:"reserve1"`
	Price0   string         `json:"price0"` // token0 priced in token1
	Price1   string         `json:"price1"` // token1 priced in token0
}

// Overview summarizes every pool of a factory
type Overview struct {
	Factory   common.Address    `json:"factory"`
	PoolCount int               `json:"poolCount"`
	Pools     []PoolStats       `json:"pools"`
	Liquidity map[string]string `json:"liquidity"` // symbol -> total reserves across pools
}

// Position is a wallet's share of one pool
type Position struct {
	Pool      common.Address `json:"pool"`
	Name      string         `json:"name"`
	Liquidity string         `json:"liquidity"`
	Share     string         `json:"share"` // percent of total supply
	Amount0   string         `json:"amount0"`
	Amount1   string         `json:"amount1"`
}

// Portfolio lists the liquidity positions of a wallet
type Portfolio struct {
	Factory   common.Address `json:"factory"`
	Wallet    common.Address `json:"wallet"`
	Positions []Position     `json:"positions"`
}

// Analytics derives overview and portfolio data from the pool list
type Analytics struct {
	reader    *reader.Reader
	pools     *Pools
	overview  *Cache[Overview]
	portfolio *Cache[Portfolio]
}

// NewAnalytics creates the analytics caches
func NewAnalytics(r *reader.Reader, pools *Pools, opts Options) (*Analytics, error) {
	overview, err := NewCache[Overview]("analytics_overview", r, opts.AnalyticsTTL, opts.SettleDelay, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	portfolio, err := NewCache[Portfolio]("chart_portfolio", r, opts.PortfolioTTL, opts.SettleDelay, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Analytics{reader: r, pools: pools, overview: overview, portfolio: portfolio}, nil
}

// OverviewKey is the cache key of a factory overview
func OverviewKey(factory common.Address) string {
	return cache.Key("analytics_overview", factory.Hex())
}

// PortfolioKey is the cache key of a wallet portfolio
func PortfolioKey(factory, wallet common.Address) string {
	return cache.Key("chart_portfolio", factory.Hex(), wallet.Hex())
}

// Overview returns prices and liquidity of every pool of factory
func (a *Analytics) Overview(ctx context.Context, factory common.Address) reader.Result[Overview] {
	return a.overview.Get(ctx, OverviewKey(factory), func(ctx context.Context) (Overview, error) {
		pools, err := a.livePools(ctx, factory)
		if err != nil {
			return Overview{}, err
		}
		return buildOverview(factory, pools), nil
	})
}

// Portfolio returns the liquidity positions of wallet in the pools of factory
func (a *Analytics) Portfolio(ctx context.Context, factory, wallet common.Address) reader.Result[Portfolio] {
	return a.portfolio.Get(ctx, PortfolioKey(factory, wallet), func(ctx context.Context) (Portfolio, error) {
		pools, err := a.livePools(ctx, factory)
		if err != nil {
			return Portfolio{}, err
		}
		return a.fetchPortfolio(ctx, factory, wallet, pools)
	})
}

// livePools only accepts a pool list that was just read or is still fresh
func (a *Analytics) livePools(ctx context.Context, factory common.Address) ([]Pool, error) {
	res := a.pools.List(ctx, factory)
	if !res.Found {
		if res.Error == "" {
			return nil, ErrNoPools
		}
		return nil, errors.New(res.Error)
	}
	if !res.Available {
		return nil, reader.ErrUnavailable
	}
	return res.Value, nil
}

func buildOverview(factory common.Address, pools []Pool) Overview {
	out := Overview{
		Factory:   factory,
		PoolCount: len(pools),
		Pools:     make([]PoolStats, 0, len(pools)),
		Liquidity: make(map[string]string),
	}

	totals := make(map[string]decimal.Decimal)
	for _, p := range pools {
		r0 := Units(p.Reserve0, p.Token0.Decimals)
		r1 := Units(p.Reserve1, p.Token1.Decimals)
		out.Pools = append(out.Pools, PoolStats{
			Address:  p.Address,
			Name:     p.Name(),
			Reserve0: r0.String(),
			Reserve1: r1.String(),
			Price0:   Ratio(r1, r0, pricePlaces).String(),
			Price1:   Ratio(r0, r1, pricePlaces).String(),
		})
		totals[p.Token0.Symbol] = totals[p.Token0.Symbol].Add(r0)
		totals[p.Token1.Symbol] = totals[p.Token1.Symbol].Add(r1)
	}
	for sym, v := range totals {
		out.Liquidity[sym] = v.String()
	}

	sort.Slice(out.Pools, func(i, j int) bool { return out.Pools[i].Name < out.Pools[j].Name })
	return out
}

func (a *Analytics) fetchPortfolio(ctx context.Context, factory, wallet common.Address, pools []Pool) (Portfolio, error) {
	items := make([]batch.Item, 0, len(pools)*2)
	for _, p := range pools {
		items = append(items,
			batch.Item{Call: codec.BalanceOf(p.Address, wallet), Decode: codec.DecodeUint256},
			batch.Item{Call: codec.TotalSupply(p.Address), Decode: codec.DecodeUint256},
		)
	}
	results := a.reader.Aggregate(ctx, items)

	out := Portfolio{Factory: factory, Wallet: wallet, Positions: []Position{}}
	var lastErr error
	for i, p := range pools {
		balRes, supplyRes := results[i*2], results[i*2+1]
		if balRes.Err != nil || supplyRes.Err != nil {
			lastErr = errors.Join(balRes.Err, supplyRes.Err)
			continue
		}
		bal, err := codec.As[*big.Int](balRes.Value)
		if err != nil || bal.Sign() == 0 {
			continue
		}
		supply, err := codec.As[*big.Int](supplyRes.Value)
		if err != nil || supply.Sign() == 0 {
			continue
		}

		amount0 := new(big.Int).Div(new(big.Int).Mul(p.Reserve0, bal), supply)
		amount1 := new(big.Int).Div(new(big.Int).Mul(p.Reserve1, bal), supply)
		share := Ratio(decimal.NewFromBigInt(bal, 2), decimal.NewFromBigInt(supply, 0), 4)

		out.Positions = append(out.Positions, Position{
			Pool:      p.Address,
			Name:      p.Name(),
			Liquidity: FormatUnits(bal, lpDecimals),
			Share:     share.String(),
			Amount0:   FormatUnits(amount0, p.Token0.Decimals),
			Amount1:   FormatUnits(amount1, p.Token1.Decimals),
		})
	}

	// Nothing readable at all is a failure, not an empty portfolio
	if len(results) > 0 && allFailed(results) {
		return Portfolio{}, lastErr
	}
	return out, nil
}

func allFailed(results []batch.Result) bool {
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

// InvalidateWallet drops the portfolios of wallet
func (a *Analytics) InvalidateWallet(wallet common.Address) int {
	return a.portfolio.InvalidateWallet(wallet.Hex())
}

// Reset drops every cached overview and portfolio
func (a *Analytics) Reset() {
	a.overview.Reset()
	a.portfolio.Reset()
}
