package adapter

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chainreader/internal/config"
	"chainreader/internal/reader"
	"chainreader/internal/rpctest"
)

var (
	wallet  = common.HexToAddress("0xabc")
	factory = common.HexToAddress("0xfac")
	weth    = common.HexToAddress("0x1001")
	usdc    = common.HexToAddress("0x1002")
	dai     = common.HexToAddress("0x1003")
)

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

func newSet(t *testing.T, node *rpctest.Node) (*Set, *fakeClock) {
	t.Helper()
	cfg, err := config.WithDefaults(&config.Config{
		RPCURL:         node.URL(),
		RequestTimeout: 1000,
		RetryBaseDelay: 1,
		RetryMaxDelay:  2,
		Adapters: config.AdaptersConfig{
			SettleDelay: 1,
		},
	})
	require.NoError(t, err)

	r, err := reader.New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r.SetClock(clock.now)

	set, err := NewSet(r, OptionsFromConfig(cfg, zerolog.Nop()))
	require.NoError(t, err)
	return set, clock
}

func units(v float64, decimals int) *big.Int {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Mul(big.NewFloat(v), scale).Int(nil)
	return out
}

// market registers WETH/USDC and DAI/USDC pairs on one factory
func market(node *rpctest.Node) (*rpctest.Pair, *rpctest.Pair) {
	node.AddToken(weth, "WETH", 18)
	node.AddToken(usdc, "USDC", 6)
	node.AddToken(dai, "DAI", 18)

	f := node.AddFactory(factory)
	p1 := node.AddPair(f, common.HexToAddress("0xa1"), weth, usdc, units(10, 18), units(20000, 6))
	p2 := node.AddPair(f, common.HexToAddress("0xa2"), dai, usdc, units(500, 18), units(500, 6))
	return p1, p2
}
