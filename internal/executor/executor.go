package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chainreader/internal/config"
	"chainreader/internal/endpoint"
	"chainreader/internal/rpcerr"
)

// Func is one elementary remote read
type Func func(ctx context.Context) (interface{}, error)

// Reporter receives the endpoint outcome of every attempt
type Reporter interface {
	ReportOutcome(kind endpoint.Kind, outcome endpoint.Outcome)
}

// Options override the executor defaults for one call
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Config holds executor configuration
type Config struct {
	MaxAttempts          int
	Timeout              time.Duration
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	RateLimitFactor      float64
	MaxRequestsPerSecond float64
	Logger               zerolog.Logger
}

// Executor runs calls with a hard per-attempt timeout and bounded retries
type Executor struct {
	cfg      Config
	reporter Reporter
	limiter  *rate.Limiter
	observe  func(outcome string)
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// New creates a new Executor
func New(cfg Config, reporter Reporter) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultRetryMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(config.DefaultRequestTimeout) * time.Millisecond
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Duration(config.DefaultRetryBaseDelay) * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RateLimitFactor < 1 {
		cfg.RateLimitFactor = 1
	}

	e := &Executor{
		cfg:      cfg,
		reporter: reporter,
		observe:  func(string) {},
		sleep:    sleepCtx,
		logger:   cfg.Logger.With().Str("component", "executor").Logger(),
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := int(cfg.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	return e
}

// NewFromConfig creates an Executor from config
func NewFromConfig(cfg *config.Config, reporter Reporter, logger zerolog.Logger) *Executor {
	return New(Config{
		MaxAttempts:          cfg.RetryMaxAttempts,
		Timeout:              cfg.GetRequestTimeoutDuration(),
		BaseDelay:            cfg.GetRetryBaseDelayDuration(),
		MaxDelay:             cfg.GetRetryMaxDelayDuration(),
		RateLimitFactor:      cfg.RateLimitBackoffFactor,
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		Logger:               logger,
	}, reporter)
}

// SetObserver registers a callback receiving "success" or the failure class of every attempt
func (e *Executor) SetObserver(fn func(outcome string)) {
	if fn == nil {
		fn = func(string) {}
	}
	e.observe = fn
}

// Execute runs fn until it succeeds, fails with a non-retryable class or runs out of attempts.
// Terminal failures are returned as *rpcerr.CallError.
func (e *Executor) Execute(ctx context.Context, key string, fn Func, opts Options) (interface{}, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	b := e.newBackOff()
	var lastErr error
	var lastClass rpcerr.Class

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, &rpcerr.CallError{Key: key, Class: rpcerr.ClassFatal, Attempts: attempt - 1, Err: err}
			}
		}

		v, err := e.attempt(ctx, fn, timeout)
		if err == nil {
			e.report(endpoint.OutcomeSuccess)
			e.observe("success")
			e.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("call succeeded")
			return v, nil
		}

		// The caller gave up; that says nothing about the endpoint
		if ctx.Err() != nil {
			return nil, &rpcerr.CallError{Key: key, Class: rpcerr.ClassFatal, Attempts: attempt, Err: ctx.Err()}
		}

		lastErr = err
		lastClass = e.Record(err)

		if !lastClass.Retryable() {
			e.logger.Debug().
				Err(err).
				Str("key", key).
				Str("class", lastClass.String()).
				Msg("call failed, not retryable")
			return nil, &rpcerr.CallError{Key: key, Class: lastClass, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		delay := b.NextBackOff()
		if lastClass == rpcerr.ClassRateLimited {
			delay = time.Duration(float64(delay) * e.cfg.RateLimitFactor)
		}

		e.logger.Warn().
			Int("attempt", attempt).
			Int("maxAttempts", maxAttempts).
			Err(err).
			Str("key", key).
			Str("class", lastClass.String()).
			Dur("backoff", delay).
			Msg("call failed, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return nil, &rpcerr.CallError{Key: key, Class: rpcerr.ClassFatal, Attempts: attempt, Err: err}
		}
	}

	e.logger.Warn().
		Err(lastErr).
		Str("key", key).
		Int("attempts", maxAttempts).
		Msg("call failed, attempts exhausted")

	return nil, &rpcerr.CallError{Key: key, Class: lastClass, Attempts: maxAttempts, Err: lastErr}
}

// Record classifies a failure observed outside Execute, such as one item of a batch
// answered with an error, and reports it like a failed attempt
func (e *Executor) Record(err error) rpcerr.Class {
	class := rpcerr.Classify(err)
	e.observe(class.String())

	switch {
	case class == rpcerr.ClassRateLimited:
		e.report(endpoint.OutcomeRateLimited)
	case class.EndpointFault():
		e.report(endpoint.OutcomeFailure)
	default:
		e.report(endpoint.OutcomeSuccess)
	}
	return class
}

// Do is the typed form of Execute
func Do[T any](ctx context.Context, e *Executor, key string, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	v, err := e.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// attempt races fn against the timeout. The losing call is cancelled.
func (e *Executor) attempt(ctx context.Context, fn Func, timeout time.Duration) (interface{}, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return nil, rpcerr.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) report(o endpoint.Outcome) {
	if e.reporter != nil {
		e.reporter.ReportOutcome(endpoint.KindPrimary, o)
	}
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
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
