// Package reader is the facade every on-chain read goes through.
//
// A read checks the result cache, joins or starts a deduplicated fetch, runs it through the
// call executor (directly or packed by the batch aggregator) and falls back to the last known
// value when the endpoint cannot answer.
package reader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/config"
	"chainreader/internal/dedup"
	"chainreader/internal/endpoint"
	"chainreader/internal/executor"
	"chainreader/internal/metrics"
)

// KeyBlockNumber caches the latest block number
const KeyBlockNumber = "block_number"

const batchFlight = "batch"

var (
	// ErrUnavailable is returned by fetches skipped because the endpoint is down
	ErrUnavailable   = errors.New("endpoint unavailable")
	// ErrChainMismatch means the endpoint serves a different chain than configured
	ErrChainMismatch = errors.New("chain id mismatch")
)

// Reader wires the endpoint manager, executor, deduplicator, result cache and batch aggregator
type Reader struct {
	endpoints *endpoint.Manager
	executor  *executor.Executor
	flights   *dedup.Group
	cache     *cache.Store
	batch     *batch.Aggregator
	metrics   *metrics.Metrics
	blockTTL  time.Duration
	chainID   uint64
	logger    zerolog.Logger
}

// New builds a Reader from config. m may be nil.
func New(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*Reader, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpcUrl is required")
	}

	store, err := cache.New(cfg.Cache.Size)
	if err != nil {
		return nil, err
	}

	endpoints := endpoint.NewManagerFromConfig(cfg, logger)
	exec := executor.NewFromConfig(cfg, endpoints, logger)
	agg := batch.NewFromConfig(cfg, endpoints.Primary(), exec, logger)

	r := &Reader{
		endpoints: endpoints,
		executor:  exec,
		flights:   dedup.New(),
		cache:     store,
		batch:     agg,
		metrics:   m,
		blockTTL:  cfg.Cache.GetBlockNumberTTLDuration(),
		chainID:   cfg.ChainID,
		logger:    logger.With().Str("component", "reader").Logger(),
	}

	if m != nil {
		exec.SetObserver(m.Attempt)
		agg.SetHooks(batch.Hooks{
			RoundTrip: m.BatchRoundTrip,
			Fallback:  m.BatchFallback,
		})
		r.flights.SetOnJoin(m.DedupJoin)
		endpoints.SetOnChange(func(kind endpoint.Kind, h endpoint.Health) {
			m.EndpointHealth(string(kind), int(h))
		})
	}

	return r, nil
}

// Start connects the streaming endpoint, if configured
func (r *Reader) Start(ctx context.Context) {
	r.endpoints.Start(ctx)
}

// Close releases every endpoint handle
func (r *Reader) Close() {
	r.endpoints.Close()
}

// SetClock replaces the time source of the cache and the endpoint manager
func (r *Reader) SetClock(now func() time.Time) {
	r.cache.SetClock(now)
	r.endpoints.SetClock(now)
}

// Now returns the reader's current time
func (r *Reader) Now() time.Time {
	return r.cache.Now()
}

// Endpoints returns the endpoint manager
func (r *Reader) Endpoints() *endpoint.Manager {
	return r.endpoints
}

// Cache returns the result cache
func (r *Reader) Cache() *cache.Store {
	return r.cache
}

// IsAvailable reports whether the primary endpoint is healthy or degraded
func (r *Reader) IsAvailable() bool {
	return r.endpoints.IsAvailable(endpoint.KindPrimary)
}

// Invalidate drops the cached result for key. A fetch already in flight for key is
// detached, so the next read starts a new one and the old result is not stored.
func (r *Reader) Invalidate(key string) {
	r.cache.Invalidate(key)
	r.flights.Forget(key)
	r.flights.ForgetFunc(isBatchFlight)
}

// InvalidateFunc drops every cached result whose key matches, detaching matching fetches
func (r *Reader) InvalidateFunc(match func(key string) bool) int {
	n := r.cache.InvalidateFunc(match)
	r.flights.ForgetFunc(func(k string) bool { return match(k) || isBatchFlight(k) })
	return n
}

// Batch flights are keyed by a hash of their keys, so any of them may cover an invalidated key
func isBatchFlight(key string) bool {
	return strings.HasPrefix(key, batchFlight+cache.Separator)
}

// Reset clears the cache, the in-flight registry, the batch memo and endpoint health
func (r *Reader) Reset() {
	r.cache.Reset()
	r.flights.Reset()
	r.batch.Reset()
	r.endpoints.Reset()
	r.logger.Info().Msg("read layer reset")
}

func (r *Reader) observe(key, result string) {
	if r.metrics != nil {
		r.metrics.CacheLookup(key, result)
	}
}

// Read returns the cached value for key while it is fresh and otherwise fetches it once for
// all concurrent callers. On failure the last known value is returned with Available false.
func Read[T any](ctx context.Context, r *Reader, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) Result[T] {
	entry, fresh, ok := r.cache.Get(key)
	if ok && fresh {
		r.observe(key, metrics.LookupHit)
		return FromEntry[T](entry, false, true)
	}

	if !r.endpoints.AllowRequest(endpoint.KindPrimary) {
		r.observe(key, metrics.LookupUnavailable)
		return fallback[T](entry, ok, ErrUnavailable)
	}
	r.observe(key, lookupResult(ok))

	stored, _, err := dedup.Do(ctx, r.flights, key, func(ctx context.Context) (cache.Entry, error) {
		since := r.cache.Begin()
		v, err := fetch(ctx)
		if err != nil {
			return cache.Entry{}, err
		}
		e, ok := r.cache.SetSince(key, v, ttl, since)
		if !ok {
			r.logger.Debug().Str("key", key).Msg("dropping result of an invalidated fetch")
		}
		return e, nil
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("key", key).Bool("cached", ok).Msg("read failed")
		return fallback[T](entry, ok, err)
	}
	return FromEntry[T](stored, false, true)
}

type itemOutcome struct {
	entry cache.Entry
	err   error
}

// ReadBatch resolves keys[i] from the reads in items[i]. Every key without a fresh entry is
// fetched in one batch plan shared by concurrent callers asking for the same key set. convert
// turns the decoded values of items[i] into the value cached under keys[i]. Failures are
// isolated per key: one failed read only affects the key it belongs to.
func ReadBatch[T any](ctx context.Context, r *Reader, keys []string, items [][]batch.Item, ttl time.Duration, convert func(i int, values []interface{}) (T, error)) []Result[T] {
	results := make([]Result[T], len(keys))
	entries := make([]cache.Entry, len(keys))
	found := make([]bool, len(keys))

	var missing []int
	for i, key := range keys {
		e, fresh, ok := r.cache.Get(key)
		if ok && fresh {
			r.observe(key, metrics.LookupHit)
			results[i] = FromEntry[T](e, false, true)
			continue
		}
		entries[i], found[i] = e, ok
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results
	}

	if !r.endpoints.AllowRequest(endpoint.KindPrimary) {
		for _, i := range missing {
			r.observe(keys[i], metrics.LookupUnavailable)
			results[i] = fallback[T](entries[i], found[i], ErrUnavailable)
		}
		return results
	}

	missingKeys := make([]string, len(missing))
	for j, i := range missing {
		missingKeys[j] = keys[i]
		r.observe(keys[i], lookupResult(found[i]))
	}

	outcomes, _, err := dedup.Do(ctx, r.flights, cache.HashKey(batchFlight, missingKeys...), func(ctx context.Context) (map[string]itemOutcome, error) {
		since := r.cache.Begin()
		var plan []batch.Item
		for _, i := range missing {
			plan = append(plan, items[i]...)
		}
		planned := r.batch.Aggregate(ctx, plan)

		out := make(map[string]itemOutcome, len(missing))
		offset := 0
		for j, i := range missing {
			key := missingKeys[j]
			group := planned[offset : offset+len(items[i])]
			offset += len(items[i])

			values := make([]interface{}, len(group))
			var groupErr error
			for k, res := range group {
				if res.Err != nil {
					groupErr = res.Err
					break
				}
				values[k] = res.Value
			}
			if groupErr != nil {
				out[key] = itemOutcome{err: groupErr}
				continue
			}

			v, err := convert(i, values)
			if err != nil {
				out[key] = itemOutcome{err: err}
				continue
			}
			e, _ := r.cache.SetSince(key, v, ttl, since)
			out[key] = itemOutcome{entry: e}
		}
		return out, nil
	})

	for _, i := range missing {
		o, ok := outcomes[keys[i]]
		switch {
		case err != nil:
			results[i] = fallback[T](entries[i], found[i], err)
		case !ok:
			results[i] = fallback[T](entries[i], found[i], fmt.Errorf("no result for %s", keys[i]))
		case o.err != nil:
			r.logger.Debug().Err(o.err).Str("key", keys[i]).Msg("batched read failed")
			results[i] = fallback[T](entries[i], found[i], o.err)
		default:
			results[i] = FromEntry[T](o.entry, false, true)
		}
	}
	return results
}

func lookupResult(cached bool) string {
	if cached {
		return metrics.LookupStale
	}
	return metrics.LookupMiss
}

// fallback serves a stale entry, or nothing, after a failed or skipped fetch
func fallback[T any](entry cache.Entry, ok bool, err error) Result[T] {
	var res Result[T]
	if ok {
		res = FromEntry[T](entry, true, false)
	}
	res.Available = false
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Peek returns the cached value for key without fetching
func Peek[T any](r *Reader, key string) Result[T] {
	entry, fresh, ok := r.cache.Get(key)
	if !ok {
		return Result[T]{Available: r.IsAvailable()}
	}
	return FromEntry[T](entry, !fresh, r.IsAvailable())
}

// Call runs one uncached elementary read through the executor
func (r *Reader) Call(ctx context.Context, item batch.Item) (interface{}, error) {
	res := r.batch.Single(ctx, item)
	return res.Value, res.Err
}

// Aggregate runs uncached elementary reads in as few round trips as possible
func (r *Reader) Aggregate(ctx context.Context, items []batch.Item) []batch.Result {
	return r.batch.Aggregate(ctx, items)
}

// FetchBlockNumber reads the latest block number
func (r *Reader) FetchBlockNumber(ctx context.Context) (uint64, error) {
	v, err := executor.Do(ctx, r.executor, KeyBlockNumber, func(ctx context.Context) (uint64, error) {
		var n hexutil.Uint64
		if err := r.endpoints.Primary().Call(ctx, &n, "eth_blockNumber"); err != nil {
			return 0, err
		}
		return uint64(n), nil
	}, executor.Options{})
	return v, err
}

// FetchNativeBalance reads the wei balance of wallet at the latest block
func (r *Reader) FetchNativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	key := fmt.Sprintf("eth_getBalance_%s", wallet.Hex())
	return executor.Do(ctx, r.executor, key, func(ctx context.Context) (*big.Int, error) {
		var bal hexutil.Big
		if err := r.endpoints.Primary().Call(ctx, &bal, "eth_getBalance", wallet, "latest"); err != nil {
			return nil, err
		}
		return bal.ToInt(), nil
	}, executor.Options{})
}

// FetchChainID reads the chain id served by the endpoint
func (r *Reader) FetchChainID(ctx context.Context) (uint64, error) {
	return executor.Do(ctx, r.executor, "eth_chainId", func(ctx context.Context) (uint64, error) {
		var id hexutil.Uint64
		if err := r.endpoints.Primary().Call(ctx, &id, "eth_chainId"); err != nil {
			return 0, err
		}
		return uint64(id), nil
	}, executor.Options{})
}

// VerifyChain checks the endpoint against the configured chain id.
// Only a mismatch is an error; an unreachable endpoint is logged and reads degrade as usual.
func (r *Reader) VerifyChain(ctx context.Context) error {
	if r.chainID == 0 {
		return nil
	}
	id, err := r.FetchChainID(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not verify chain id")
		return nil
	}
	if id != r.chainID {
		return fmt.Errorf("%w: endpoint serves %d, configured %d", ErrChainMismatch, id, r.chainID)
	}
	r.logger.Debug().Uint64("chainId", id).Msg("chain id verified")
	return nil
}

// BlockNumber is the cached latest block number
func (r *Reader) BlockNumber(ctx context.Context) Result[uint64] {
	return Read(ctx, r, KeyBlockNumber, r.blockTTL, r.FetchBlockNumber)
}
