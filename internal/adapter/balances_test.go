package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainreader/internal/codec"
	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpctest"
)

func TestBalances_Native(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, units(10.5, 18))
	set, _ := newSet(t, node)

	assert.Equal(t, "bal_0x0000000000000000000000000000000000000abc_native", NativeKey(wallet))

	res := set.Balances.Native(context.Background(), wallet)
	require.True(t, res.Found)
	assert.True(t, res.Available)
	assert.Equal(t, "10.5", res.Value)

	// second read is served locally
	set.Balances.Native(context.Background(), wallet)
	assert.Equal(t, 1, node.MethodCalls("eth_getBalance"))
}

func TestBalances_Tokens(t *testing.T) {
	node := rpctest.NewNode(t)
	node.AddToken(weth, "WETH", 18).SetBalance(wallet, units(1.25, 18))
	node.AddToken(usdc, "USDC", 6).SetBalance(wallet, units(300, 6))
	missing := common.HexToAddress("0xdead")
	set, clock := newSet(t, node)
	ctx := context.Background()

	results := set.Balances.Tokens(ctx, wallet, []common.Address{weth, usdc, missing})
	require.Len(t, results, 3)
	assert.Equal(t, "1.25", results[0].Value.Balance)
	assert.Equal(t, "WETH", results[0].Value.Symbol)
	assert.Equal(t, "300", results[1].Value.Balance)
	assert.Equal(t, uint8(6), results[1].Value.Decimals)
	assert.False(t, results[2].Found)
	assert.False(t, results[2].Available)

	// metadata batch plus balance batch
	assert.Equal(t, 2, node.Requests())

	wethBalance := codec.BalanceOf(weth, wallet).Selector
	set.Balances.Tokens(ctx, wallet, []common.Address{weth, usdc})
	assert.Equal(t, 1, node.CallCount(weth, wethBalance))

	clock.advance(31 * time.Second)
	res := set.Balances.Token(ctx, wallet, weth)
	assert.Equal(t, "1.25", res.Value.Balance)
	assert.Equal(t, 2, node.CallCount(weth, wethBalance))
	// metadata stays cached for a day
	assert.Equal(t, 1, node.CallCount(weth, codec.Decimals(weth).Selector))
}

func TestBalances_RefreshNativeMovesStoredAt(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, units(1, 18))
	set, clock := newSet(t, node)
	ctx := context.Background()

	first := set.Balances.Native(ctx, wallet)
	node.SetBalance(wallet, units(2, 18))
	clock.advance(time.Second)

	assert.Equal(t, "1", set.Balances.Native(ctx, wallet).Value)

	refreshed := set.Balances.RefreshNative(ctx, wallet)
	assert.Equal(t, "2", refreshed.Value)
	assert.True(t, refreshed.StoredAt.After(first.StoredAt))
	assert.Equal(t, 2, node.MethodCalls("eth_getBalance"))
}

func TestBalances_StaleWhenEndpointFails(t *testing.T) {
	node := rpctest.NewNode(t)
	node.SetBalance(wallet, units(3, 18))
	set, clock := newSet(t, node)
	ctx := context.Background()

	set.Balances.Native(ctx, wallet)
	// the generic entry is gone, only the adapter still has the value
	set.Reader().Invalidate(NativeKey(wallet))

	node.FailNext(3, 502)
	clock.advance(31 * time.Second)

	res := set.Balances.Native(ctx, wallet)
	assert.True(t, res.Found)
	assert.True(t, res.Stale)
	assert.False(t, res.Available)
	assert.Equal(t, "3", res.Value)
}

func TestBalances_RefreshNativeDuringSlowRead(t *testing.T) {
	node := rpctest.NewNode(t)
	var (
		mu    sync.Mutex
		calls int
	)
	// the first read answers late with the balance from before the transaction
	node.Handle("eth_getBalance", func([]json.RawMessage) (interface{}, *jsonrpc.Error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			time.Sleep(200 * time.Millisecond)
			return (*hexutil.Big)(units(1, 18)), nil
		}
		return (*hexutil.Big)(units(5, 18)), nil
	})
	set, _ := newSet(t, node)
	ctx := context.Background()

	polled := make(chan string, 1)
	go func() {
		polled <- set.Balances.Native(ctx, wallet).Value
	}()
	require.Eventually(t, func() bool {
		return node.MethodCalls("eth_getBalance") == 1
	}, time.Second, time.Millisecond)

	refreshed := set.Balances.RefreshNative(ctx, wallet)
	assert.Equal(t, "5", refreshed.Value)
	assert.Equal(t, 2, node.MethodCalls("eth_getBalance"))

	// the late answer reaches its own caller but does not replace the refreshed value
	assert.Equal(t, "1", <-polled)
	res := set.Balances.Native(ctx, wallet)
	assert.Equal(t, "5", res.Value)
	assert.True(t, res.Available)
	assert.Equal(t, 2, node.MethodCalls("eth_getBalance"))

	entry, _, ok := set.Reader().Cache().Get(NativeKey(wallet))
	require.True(t, ok)
	assert.Equal(t, "5", entry.Value.(TokenBalance).Balance)
}
