package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chainreader/internal/codec"
	"chainreader/internal/config"
	"chainreader/internal/executor"
	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpcerr"
)

// Config holds aggregator configuration
type Config struct {
	Mode                config.BatchMode
	Multicall           common.Address
	MaxSize             int
	FallbackConcurrency int
	Logger              zerolog.Logger
}

// Aggregator packs reads into multicall or native batches
type Aggregator struct {
	cfg       Config
	transport Transport
	runner    Runner
	hooks     Hooks
	logger    zerolog.Logger

	nativeUnsupported atomic.Bool
}

// New creates a new Aggregator
func New(cfg Config, transport Transport, runner Runner) *Aggregator {
	if cfg.Mode == "" {
		cfg.Mode = config.DefaultBatchMode
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = config.DefaultBatchMaxSize
	}
	if cfg.FallbackConcurrency <= 0 {
		cfg.FallbackConcurrency = config.DefaultFallbackConcurrency
	}

	return &Aggregator{
		cfg:       cfg,
		transport: transport,
		runner:    runner,
		hooks: Hooks{
			RoundTrip: func(string, int) {},
			Fallback:  func(string, int) {},
		},
		logger: cfg.Logger.With().Str("component", "batch").Logger(),
	}
}

// NewFromConfig creates an Aggregator from config
func NewFromConfig(cfg *config.Config, transport Transport, runner Runner, logger zerolog.Logger) *Aggregator {
	var multicall common.Address
	if cfg.Batch.MulticallAddress != "" {
		multicall = common.HexToAddress(cfg.Batch.MulticallAddress)
	}
	return New(Config{
		Mode:                cfg.Batch.Mode,
		Multicall:           multicall,
		MaxSize:             cfg.Batch.MaxSize,
		FallbackConcurrency: cfg.Batch.FallbackConcurrency,
		Logger:              logger,
	}, transport, runner)
}

// SetHooks replaces the event hooks. Nil fields are ignored.
func (a *Aggregator) SetHooks(h Hooks) {
	if h.RoundTrip != nil {
		a.hooks.RoundTrip = h.RoundTrip
	}
	if h.Fallback != nil {
		a.hooks.Fallback = h.Fallback
	}
}

// Mode returns the mechanism in use. auto resolves to multicall when an
// aggregator address is configured.
func (a *Aggregator) Mode() config.BatchMode {
	if a.cfg.Mode != config.BatchModeAuto {
		return a.cfg.Mode
	}
	if a.cfg.Multicall != (common.Address{}) {
		return config.BatchModeMulticall
	}
	return config.BatchModeNative
}

// NativeUnsupported reports whether the endpoint rejected a native batch
func (a *Aggregator) NativeUnsupported() bool {
	return a.nativeUnsupported.Load()
}

// Reset forgets that native batching was rejected
func (a *Aggregator) Reset() {
	a.nativeUnsupported.Store(false)
}

// Aggregate executes items and returns one Result per item, in the same order.
// Chunks of at most MaxSize items are sent concurrently, one round trip each.
func (a *Aggregator) Aggregate(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results
	}

	mode := a.Mode()
	g := new(errgroup.Group)
	for start := 0; start < len(items); start += a.cfg.MaxSize {
		end := start + a.cfg.MaxSize
		if end > len(items) {
			end = len(items)
		}
		g.Go(func() error {
			a.runChunk(ctx, mode, items[start:end], results[start:end])
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (a *Aggregator) runChunk(ctx context.Context, mode config.BatchMode, items []Item, out []Result) {
	var err error
	mechanism := string(mode)
	switch mode {
	case config.BatchModeMulticall:
		err = a.multicall(ctx, items, out)
	case config.BatchModeNative:
		if a.nativeUnsupported.Load() {
			// Known to fail, go straight to individual calls
			a.runIndividually(ctx, items, out)
			return
		}
		err = a.native(ctx, items, out)
	default:
		err = fmt.Errorf("unknown batch mode %q", mode)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		fill(out, ctx.Err())
		return
	}

	a.logger.Warn().
		Err(err).
		Str("mechanism", mechanism).
		Int("items", len(items)).
		Msg("batch failed, falling back to individual calls")
	a.hooks.Fallback(mechanism, len(items))

	a.runIndividually(ctx, items, out)
}

func (a *Aggregator) multicall(ctx context.Context, items []Item, out []Result) error {
	calls := make([]codec.Call, len(items))
	for i, it := range items {
		calls[i] = it.Call
	}
	data, err := codec.EncodeAggregate(calls)
	if err != nil {
		return err
	}

	req := jsonrpc.CallObject{
		To:   a.cfg.Multicall.Hex(),
		Data: hexutil.Encode(data),
	}
	v, err := a.runner.Execute(ctx, fmt.Sprintf("multicall_%d", len(items)), func(ctx context.Context) (interface{}, error) {
		var raw hexutil.Bytes
		if err := a.transport.Call(ctx, &raw, "eth_call", req, "latest"); err != nil {
			return nil, err
		}
		_, returnData, err := codec.DecodeAggregate(raw)
		if err != nil {
			return nil, err
		}
		if len(returnData) != len(items) {
			return nil, rpcerr.NewDecodeError("aggregate result", fmt.Errorf("expected %d results, got %d", len(items), len(returnData)))
		}
		return returnData, nil
	}, executor.Options{})
	if err != nil {
		return err
	}
	a.hooks.RoundTrip(mechanismMulticall, len(items))

	returnData := v.([][]byte)
	for i, it := range items {
		val, err := decodeItem(it, returnData[i])
		out[i] = Result{Value: val, Err: err}
	}

	a.logger.Debug().Int("items", len(items)).Msg("multicall completed")
	return nil
}

func (a *Aggregator) native(ctx context.Context, items []Item, out []Result) error {
	requests := make([]*jsonrpc.Request, len(items))
	index := make(map[int64]int, len(items))
	for i, it := range items {
		id := a.transport.NextID()
		n, _ := id.Int64()
		req, err := jsonrpc.NewCallRequest(callObject(it.Call), id)
		if err != nil {
			return err
		}
		requests[i] = req
		index[n] = i
	}

	v, err := a.runner.Execute(ctx, fmt.Sprintf("native_batch_%d", len(items)), func(ctx context.Context) (interface{}, error) {
		return a.transport.ExecuteBatch(ctx, requests)
	}, executor.Options{})
	if err != nil {
		if errors.Is(err, rpcerr.ErrUnsupported) && a.nativeUnsupported.CompareAndSwap(false, true) {
			a.logger.Warn().Err(err).Msg("endpoint rejected native batching, using individual calls until reset")
		}
		return err
	}
	a.hooks.RoundTrip(mechanismNative, len(items))

	// Responses may arrive in any order
	seen := make([]bool, len(items))
	var reissue []int
	for _, resp := range v.([]*jsonrpc.Response) {
		n, ok := resp.ID.Int64()
		if !ok {
			continue
		}
		i, ok := index[n]
		if !ok || seen[i] {
			continue
		}
		seen[i] = true
		if resp.HasError() && a.runner.Record(resp.Error).Retryable() {
			reissue = append(reissue, i)
			continue
		}
		out[i] = responseResult(items[i], resp)
	}

	throttled := len(reissue)
	for i := range items {
		if !seen[i] {
			reissue = append(reissue, i)
		}
	}
	if len(reissue) > 0 {
		a.logger.Warn().
			Int("retryable", throttled).
			Int("missing", len(reissue)-throttled).
			Msg("batch response incomplete, re-issuing calls individually")
		retryItems := make([]Item, len(reissue))
		retryOut := make([]Result, len(reissue))
		for j, i := range reissue {
			retryItems[j] = items[i]
		}
		a.runIndividually(ctx, retryItems, retryOut)
		for j, i := range reissue {
			out[i] = retryOut[j]
		}
	}
	return nil
}

func responseResult(item Item, resp *jsonrpc.Response) Result {
	if resp.HasError() {
		return Result{Err: resp.Error}
	}
	var raw hexutil.Bytes
	if err := resp.GetResultAs(&raw); err != nil {
		return Result{Err: rpcerr.NewDecodeError(item.Call.String(), err)}
	}
	v, err := decodeItem(item, raw)
	return Result{Value: v, Err: err}
}

// runIndividually issues each item as its own eth_call with bounded concurrency
func (a *Aggregator) runIndividually(ctx context.Context, items []Item, out []Result) {
	g := new(errgroup.Group)
	g.SetLimit(a.cfg.FallbackConcurrency)
	for i := range items {
		g.Go(func() error {
			out[i] = a.Single(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
}

// Single executes one item without batching
func (a *Aggregator) Single(ctx context.Context, item Item) Result {
	v, err := a.runner.Execute(ctx, "call_"+item.Call.String(), func(ctx context.Context) (interface{}, error) {
		var raw hexutil.Bytes
		if err := a.transport.Call(ctx, &raw, "eth_call", callObject(item.Call), "latest"); err != nil {
			return nil, err
		}
		return decodeItem(item, raw)
	}, executor.Options{})
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: v}
}
