package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainreader/internal/endpoint"
	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpcerr"
)

type recordingReporter struct {
	mu       sync.Mutex
	outcomes []endpoint.Outcome
}

func (r *recordingReporter) ReportOutcome(kind endpoint.Kind, o endpoint.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingReporter) get() []endpoint.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]endpoint.Outcome(nil), r.outcomes...)
}

func newTestExecutor(reporter Reporter) (*Executor, *[]time.Duration) {
	e := New(Config{
		MaxAttempts:     3,
		Timeout:         time.Second,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        150 * time.Millisecond,
		RateLimitFactor: 2,
		Logger:          zerolog.Nop(),
	}, reporter)

	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func failing(errs ...error) (Func, *int) {
	calls := 0
	return func(ctx context.Context) (interface{}, error) {
		calls++
		if calls <= len(errs) {
			return nil, errs[calls-1]
		}
		return "ok", nil
	}, &calls
}

func TestExecute_Success(t *testing.T) {
	rep := &recordingReporter{}
	e, delays := newTestExecutor(rep)

	fn, calls := failing()
	v, err := e.Execute(context.Background(), "k", fn, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *delays)
	assert.Equal(t, []endpoint.Outcome{endpoint.OutcomeSuccess}, rep.get())
}

func TestExecute_RetriesTransientWithBackoff(t *testing.T) {
	rep := &recordingReporter{}
	e, delays := newTestExecutor(rep)

	fn, calls := failing(errors.New("connection reset"), &rpcerr.HTTPStatusError{StatusCode: 502})
	v, err := e.Execute(context.Background(), "k", fn, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, *delays)
	assert.Equal(t, []endpoint.Outcome{
		endpoint.OutcomeFailure,
		endpoint.OutcomeFailure,
		endpoint.OutcomeSuccess,
	}, rep.get())
}

func TestExecute_RateLimitedWidensBackoff(t *testing.T) {
	rep := &recordingReporter{}
	e, delays := newTestExecutor(rep)

	fn, _ := failing(&rpcerr.HTTPStatusError{StatusCode: 429})
	_, err := e.Execute(context.Background(), "k", fn, Options{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, *delays)
	assert.Equal(t, endpoint.OutcomeRateLimited, rep.get()[0])
}

func TestExecute_FatalNotRetried(t *testing.T) {
	rep := &recordingReporter{}
	e, _ := newTestExecutor(rep)

	fn, calls := failing(jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid argument 0"))
	_, err := e.Execute(context.Background(), "k", fn, Options{})

	var callErr *rpcerr.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, rpcerr.ClassFatal, callErr.Class)
	assert.Equal(t, 1, callErr.Attempts)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []endpoint.Outcome{endpoint.OutcomeSuccess}, rep.get(), "the endpoint answered")
}

func TestExecute_RevertNotRetried(t *testing.T) {
	e, _ := newTestExecutor(nil)

	fn, calls := failing(jsonrpc.NewError(jsonrpc.CodeExecutionReverted, "execution reverted"))
	_, err := e.Execute(context.Background(), "k", fn, Options{})
	assert.Equal(t, rpcerr.ClassLogical, rpcerr.Classify(err))
	assert.Equal(t, 1, *calls)
}

func TestExecute_Exhausted(t *testing.T) {
	rep := &recordingReporter{}
	e, _ := newTestExecutor(rep)

	boom := errors.New("connection refused")
	fn, calls := failing(boom, boom, boom, boom)
	_, err := e.Execute(context.Background(), "bal_0xabc_native", fn, Options{})

	var callErr *rpcerr.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, "bal_0xabc_native", callErr.Key)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, *calls)
	assert.Len(t, rep.get(), 3)
}

func TestExecute_OptionsOverrideAttempts(t *testing.T) {
	e, _ := newTestExecutor(nil)

	boom := errors.New("connection refused")
	fn, calls := failing(boom, boom, boom, boom)
	_, err := e.Execute(context.Background(), "k", fn, Options{MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, *calls)
}

func TestExecute_Timeout(t *testing.T) {
	e, _ := newTestExecutor(nil)

	cancelled := make(chan struct{})
	fn := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := e.Execute(context.Background(), "k", fn, Options{MaxAttempts: 1, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, rpcerr.ErrTimeout)
	assert.Equal(t, rpcerr.ClassTransient, rpcerr.Classify(err))
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("timed out attempt was not cancelled")
	}
}

func TestExecute_CallerCancelled(t *testing.T) {
	rep := &recordingReporter{}
	e, _ := newTestExecutor(rep)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn := func(ctx context.Context) (interface{}, error) {
		return nil, ctx.Err()
	}
	_, err := e.Execute(ctx, "k", fn, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.get())
}

func TestExecute_DegradesManager(t *testing.T) {
	m := endpoint.NewManager(endpoint.Config{
		RPCURL:            "http://127.0.0.1:1",
		DegradedThreshold: 2,
		DownThreshold:     5,
		Logger:            zerolog.Nop(),
	})
	defer m.Close()
	e, _ := newTestExecutor(m)

	fn, _ := failing(&rpcerr.HTTPStatusError{StatusCode: 429})
	_, err := e.Execute(context.Background(), "k", fn, Options{MaxAttempts: 1})
	require.Error(t, err)
	assert.Equal(t, endpoint.HealthDegraded, m.Health(endpoint.KindPrimary))
}

func TestDo_Typed(t *testing.T) {
	e, _ := newTestExecutor(nil)

	n, err := Do(context.Background(), e, "k", func(ctx context.Context) (int, error) {
		return 42, nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestExecute_Observer(t *testing.T) {
	e, _ := newTestExecutor(nil)
	var seen []string
	e.SetObserver(func(outcome string) { seen = append(seen, outcome) })

	fn, _ := failing(&rpcerr.HTTPStatusError{StatusCode: 503})
	_, err := e.Execute(context.Background(), "k", fn, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"transient", "success"}, seen)
}

func TestRecord(t *testing.T) {
	rep := &recordingReporter{}
	e, _ := newTestExecutor(rep)

	var seen []string
	e.SetObserver(func(o string) { seen = append(seen, o) })

	assert.Equal(t, rpcerr.ClassRateLimited, e.Record(jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "rate limit exceeded")))
	assert.Equal(t, rpcerr.ClassTransient, e.Record(jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")))
	assert.Equal(t, rpcerr.ClassLogical, e.Record(jsonrpc.NewError(jsonrpc.CodeExecutionReverted, "execution reverted")))

	assert.Equal(t, []endpoint.Outcome{
		endpoint.OutcomeRateLimited,
		endpoint.OutcomeFailure,
		endpoint.OutcomeSuccess,
	}, rep.get())
	assert.Equal(t, []string{"rate_limited", "transient", "logical"}, seen)
}
