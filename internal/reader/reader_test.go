package reader

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainreader/internal/batch"
	"chainreader/internal/codec"
	"chainreader/internal/config"
	"chainreader/internal/endpoint"
	"chainreader/internal/metrics"
	"chainreader/internal/rpctest"
)

var wallet = common.HexToAddress("0xabc")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T, node *rpctest.Node) *config.Config {
	t.Helper()
	cfg, err := config.WithDefaults(&config.Config{
		RPCURL:         node.URL(),
		RequestTimeout: 1000,
		RetryBaseDelay: 1,
		RetryMaxDelay:  2,
	})
	require.NoError(t, err)
	return cfg
}

func newReader(t *testing.T, node *rpctest.Node, m *metrics.Metrics) (*Reader, *fakeClock) {
	t.Helper()
	r, err := New(testConfig(t, node), m, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r.SetClock(clock.now)
	return r, clock
}

func nativeKey(w common.Address) string {
	return "bal_" + w.Hex() + "_native"
}

func ether(v float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e18)).Int(nil)
	return wei
}

func readBalance(ctx context.Context, r *Reader) Result[*big.Int] {
	return Read(ctx, r, nativeKey(wallet), 30*time.Second, func(ctx context.Context) (*big.Int, error) {
		return r.FetchNativeBalance(ctx, wallet)
	})
}

func TestRead_ConcurrentCallersShareOneFetch(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, ether(10.5))
	reg := prometheus.NewRegistry()
	r, _ := newReader(t, node, metrics.New(reg))

	resume := node.Pause()
	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[*big.Int], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = readBalance(context.Background(), r)
		}(i)
	}

	require.Eventually(t, func() bool {
		return r.flights.Pending(nativeKey(wallet)) == n
	}, time.Second, time.Millisecond)
	resume()
	wg.Wait()

	assert.Equal(t, 1, node.MethodCalls("eth_getBalance"))
	for _, res := range results {
		require.True(t, res.Found)
		assert.True(t, res.Available)
		assert.Equal(t, 0, ether(10.5).Cmp(res.Value))
	}
	assert.Equal(t, float64(n-1), gathered(t, reg, "chainreader_dedup_joins_total"))
}

func TestRead_TTLBoundary(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, big.NewInt(1))
	r, clock := newReader(t, node, nil)
	ctx := context.Background()

	first := readBalance(ctx, r)
	require.True(t, first.Found)
	assert.Equal(t, clock.now(), first.StoredAt)

	node.SetBalance(wallet, big.NewInt(2))
	clock.advance(29999 * time.Millisecond)
	res := readBalance(ctx, r)
	assert.Equal(t, int64(1), res.Value.Int64())
	assert.Equal(t, 1, node.MethodCalls("eth_getBalance"))

	clock.advance(2 * time.Millisecond)
	res = readBalance(ctx, r)
	assert.Equal(t, int64(2), res.Value.Int64())
	assert.False(t, res.Stale)
	assert.Equal(t, 2, node.MethodCalls("eth_getBalance"))
}

func TestRead_DegradesToLastKnownValue(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, big.NewInt(7))
	r, clock := newReader(t, node, nil)
	ctx := context.Background()

	require.True(t, readBalance(ctx, r).Available)
	storedAt := clock.now()

	node.FailNext(6, 503)
	clock.advance(31 * time.Second)

	res := readBalance(ctx, r)
	assert.True(t, res.Found)
	assert.True(t, res.Stale)
	assert.False(t, res.Available)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int64(7), res.Value.Int64())
	assert.Equal(t, storedAt, res.StoredAt)
	assert.Equal(t, endpoint.HealthDegraded, r.Endpoints().Health(endpoint.KindPrimary))

	readBalance(ctx, r)
	assert.Equal(t, endpoint.HealthDown, r.Endpoints().Health(endpoint.KindPrimary))
	assert.Equal(t, 7, node.Requests())

	// inside the recovery window the endpoint is not touched
	res = readBalance(ctx, r)
	assert.Equal(t, 7, node.Requests())
	assert.Equal(t, int64(7), res.Value.Int64())
	assert.False(t, res.Available)
	assert.Equal(t, ErrUnavailable.Error(), res.Error)

	clock.advance(30 * time.Second)
	res = readBalance(ctx, r)
	assert.True(t, res.Available)
	assert.False(t, res.Stale)
	assert.Equal(t, endpoint.HealthHealthy, r.Endpoints().Health(endpoint.KindPrimary))
}

func TestRead_FailureWithoutCachedValue(t *testing.T) {
	node := rpctest.NewNode(t)
	node.FailNext(3, 500)
	r, _ := newReader(t, node, nil)

	res := readBalance(context.Background(), r)
	assert.False(t, res.Found)
	assert.False(t, res.Available)
	assert.Nil(t, res.Value)
}

func TestReadBatch(t *testing.T) {
	node := rpctest.NewNode(t)
	tokens := []common.Address{
		common.HexToAddress("0x1001"),
		common.HexToAddress("0x1002"),
		common.HexToAddress("0x1003"),
	}
	for i, addr := range tokens {
		node.AddToken(addr, "TKN", 18).SetBalance(wallet, big.NewInt(int64(i+1)))
	}
	node.HandleCall(tokens[2], codec.BalanceOf(tokens[2], wallet).Selector, rpctest.Revert())
	r, _ := newReader(t, node, nil)

	keys := make([]string, len(tokens))
	items := make([][]batch.Item, len(tokens))
	for i, tok := range tokens {
		keys[i] = "bal_" + wallet.Hex() + "_" + tok.Hex()
		items[i] = []batch.Item{{Call: codec.BalanceOf(tok, wallet), Decode: codec.DecodeUint256}}
	}
	convert := func(_ int, values []interface{}) (*big.Int, error) {
		return codec.As[*big.Int](values[0])
	}

	results := ReadBatch(context.Background(), r, keys, items, 30*time.Second, convert)
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].Value.Int64())
	assert.Equal(t, int64(2), results[1].Value.Int64())
	assert.False(t, results[2].Found)
	assert.False(t, results[2].Available)
	assert.NotEmpty(t, results[2].Error)
	assert.Equal(t, 1, node.Requests())

	// cached keys are not fetched again, the failed one is
	results = ReadBatch(context.Background(), r, keys, items, 30*time.Second, convert)
	assert.True(t, results[0].Available)
	assert.Equal(t, 2, node.Requests())
	assert.Equal(t, 2, node.CallCount(tokens[2], codec.BalanceOf(tokens[2], wallet).Selector))
}

func TestBlockNumber(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBlock(0x10)
	r, clock := newReader(t, node, nil)

	res := r.BlockNumber(context.Background())
	assert.Equal(t, uint64(0x10), res.Value)

	node.SetBlock(0x11)
	assert.Equal(t, uint64(0x10), r.BlockNumber(context.Background()).Value)
	clock.advance(4 * time.Second)
	assert.Equal(t, uint64(0x11), r.BlockNumber(context.Background()).Value)
}

func TestPeekAndInvalidate(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, big.NewInt(3))
	r, _ := newReader(t, node, nil)

	assert.False(t, Peek[*big.Int](r, nativeKey(wallet)).Found)
	readBalance(context.Background(), r)
	assert.True(t, Peek[*big.Int](r, nativeKey(wallet)).Found)

	r.Invalidate(nativeKey(wallet))
	assert.False(t, Peek[*big.Int](r, nativeKey(wallet)).Found)

	readBalance(context.Background(), r)
	assert.Equal(t, 1, r.InvalidateFunc(func(key string) bool { return key == nativeKey(wallet) }))
}

func TestReset(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, big.NewInt(3))
	r, _ := newReader(t, node, nil)

	readBalance(context.Background(), r)
	require.Equal(t, endpoint.HealthHealthy, r.Endpoints().Health(endpoint.KindPrimary))

	r.Reset()
	assert.Equal(t, 0, r.Cache().Len())
	assert.Equal(t, endpoint.HealthUnknown, r.Endpoints().Health(endpoint.KindPrimary))
	assert.False(t, r.IsAvailable())
}

func TestMap(t *testing.T) {
	in := Result[int]{Value: 2, Found: true, Stale: true}
	out := Map(in, func(v int) string { return "x" })
	assert.Equal(t, "x", out.Value)
	assert.True(t, out.Stale)

	empty := Map(Result[int]{}, func(v int) string { return "x" })
	assert.Equal(t, "", empty.Value)
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestVerifyChain(t *testing.T) {
	node := rpctest.NewNode(t)

	cfg := testConfig(t, node)
	r, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.VerifyChain(context.Background()))
	assert.Equal(t, 0, node.MethodCalls("eth_chainId"))

	cfg.ChainID = 1
	r, err = New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.VerifyChain(context.Background()))

	cfg.ChainID = 5
	r, err = New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	assert.ErrorIs(t, r.VerifyChain(context.Background()), ErrChainMismatch)
	assert.Equal(t, 2, node.MethodCalls("eth_chainId"))
}
