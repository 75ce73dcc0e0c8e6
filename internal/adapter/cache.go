// Package adapter holds the consumer-facing caches: balances, pools and analytics.
//
// Every adapter keeps its own TTL store in front of the read facade. A stale local entry
// delegates to the facade, which serves its own entry, joins an in-flight fetch or starts
// one. Adapter reads never fail; they resolve to a reader.Result.
package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/config"
	"chainreader/internal/reader"
)

// TokenMetaTTL is how long symbol and decimals are kept. They never change on-chain.
const TokenMetaTTL = 24 * time.Hour

// Options holds the cache policy of every adapter
type Options struct {
	BalanceTTL   time.Duration
	PoolListTTL  time.Duration
	ReservesTTL  time.Duration
	AnalyticsTTL time.Duration
	PortfolioTTL time.Duration
	TokenMetaTTL time.Duration
	SettleDelay  time.Duration
	MaxPools     int
	CacheSize    int
	Logger       zerolog.Logger
}

// OptionsFromConfig maps the adapters section of the config
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	a := &cfg.Adapters
	return Options{
		BalanceTTL:   a.GetBalanceTTLDuration(),
		PoolListTTL:  a.GetPoolListTTLDuration(),
		ReservesTTL:  a.GetReservesTTLDuration(),
		AnalyticsTTL: a.GetAnalyticsTTLDuration(),
		PortfolioTTL: a.GetPortfolioTTLDuration(),
		TokenMetaTTL: TokenMetaTTL,
		SettleDelay:  a.GetSettleDelayDuration(),
		MaxPools:     a.MaxPools,
		CacheSize:    cfg.Cache.Size,
		Logger:       logger,
	}
}

// Cache is a TTL store for one kind of value that delegates to the read facade
type Cache[T any] struct {
	name   string
	local  *cache.Store
	reader *reader.Reader
	ttl    time.Duration
	settle time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// NewCache creates a Cache. Its clock follows the reader's clock.
func NewCache[T any](name string, r *reader.Reader, ttl, settle time.Duration, size int, logger zerolog.Logger) (*Cache[T], error) {
	local, err := cache.New(size)
	if err != nil {
		return nil, err
	}
	local.SetClock(r.Now)

	return &Cache[T]{
		name:   name,
		local:  local,
		reader: r,
		ttl:    ttl,
		settle: settle,
		sleep:  sleepCtx,
		logger: logger.With().Str("component", "adapter").Str("cache", name).Logger(),
	}, nil
}

// TTL returns the freshness window
func (c *Cache[T]) TTL() time.Duration {
	return c.ttl
}

// Get returns the local value for key while it is fresh and otherwise reads through the facade
func (c *Cache[T]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) reader.Result[T] {
	if e, fresh, ok := c.local.Get(key); ok && fresh {
		return reader.FromEntry[T](e, false, true)
	}
	since := c.local.Begin()
	res := reader.Read(ctx, c.reader, key, c.ttl, fetch)
	return c.settleResult(key, res, since)
}

// GetMany resolves keys[i] from items[i], fetching every key without a fresh local entry in one plan
func (c *Cache[T]) GetMany(ctx context.Context, keys []string, items [][]batch.Item, convert func(i int, values []interface{}) (T, error)) []reader.Result[T] {
	out := make([]reader.Result[T], len(keys))

	var (
		missIdx   []int
		missKeys  []string
		missItems [][]batch.Item
	)
	for i, key := range keys {
		if e, fresh, ok := c.local.Get(key); ok && fresh {
			out[i] = reader.FromEntry[T](e, false, true)
			continue
		}
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, key)
		missItems = append(missItems, items[i])
	}
	if len(missIdx) == 0 {
		return out
	}

	since := c.local.Begin()
	results := reader.ReadBatch(ctx, c.reader, missKeys, missItems, c.ttl, func(j int, values []interface{}) (T, error) {
		return convert(missIdx[j], values)
	})
	for j, res := range results {
		out[missIdx[j]] = c.settleResult(missKeys[j], res, since)
	}
	return out
}

// settleResult stores a fresh facade result locally, or falls back to the local entry
// when the facade had nothing. Results of reads overtaken by an invalidation are returned
// but not stored.
func (c *Cache[T]) settleResult(key string, res reader.Result[T], since uint64) reader.Result[T] {
	if res.Found && !res.Stale {
		c.local.SetAtSince(key, res.Value, c.ttl, res.StoredAt, since)
		return res
	}
	if res.Found {
		return res
	}
	if e, _, ok := c.local.Get(key); ok {
		stale := reader.FromEntry[T](e, true, false)
		stale.Error = res.Error
		return stale
	}
	return res
}

// ForceRefresh drops key from both cache layers, waits the settle delay so the node can
// catch up with a just-confirmed transaction, then fetches again. Reads of key that started
// before the refresh are neither joined nor allowed to store their result.
func (c *Cache[T]) ForceRefresh(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) reader.Result[T] {
	c.Invalidate(key)
	if c.settle > 0 {
		if err := c.sleep(ctx, c.settle); err != nil {
			return reader.Result[T]{Error: err.Error()}
		}
		// reads started during the settle delay may still see the old state
		c.Invalidate(key)
	}
	c.logger.Debug().Str("key", key).Msg("force refresh")
	return c.Get(ctx, key, fetch)
}

// Invalidate drops key from both cache layers
func (c *Cache[T]) Invalidate(key string) {
	c.local.Invalidate(key)
	c.reader.Invalidate(key)
}

// InvalidateWallet drops every entry whose key names wallet, in both cache layers
func (c *Cache[T]) InvalidateWallet(wallet string) int {
	match := func(key string) bool { return cache.HasSegment(key, wallet) }
	n := c.local.InvalidateFunc(match)
	c.reader.InvalidateFunc(match)
	return n
}

// Reset drops every local entry
func (c *Cache[T]) Reset() {
	c.local.Reset()
}

// Len returns the number of local entries
func (c *Cache[T]) Len() int {
	return c.local.Len()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
