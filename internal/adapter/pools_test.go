package adapter

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainreader/internal/codec"
	"chainreader/internal/rpctest"
)

func TestPools_List(t *testing.T) {
	node := rpctest.NewNode(t)
	p1, p2 := market(node)
	set, _ := newSet(t, node)

	res := set.Pools.List(context.Background(), factory)
	require.True(t, res.Found)
	require.Len(t, res.Value, 2)

	assert.Equal(t, p1.Address, res.Value[0].Address)
	assert.Equal(t, "WETH/USDC", res.Value[0].Name())
	assert.Equal(t, uint8(6), res.Value[0].Token1.Decimals)
	assert.Equal(t, 0, units(10, 18).Cmp(res.Value[0].Reserve0))
	assert.Equal(t, p2.Address, res.Value[1].Address)
	assert.Equal(t, "DAI/USDC", res.Value[1].Name())

	// length, pair addresses, pair details, token metadata
	assert.Equal(t, 4, node.Requests())

	set.Pools.List(context.Background(), factory)
	assert.Equal(t, 4, node.Requests())
}

func TestPools_ListSkipsBrokenPair(t *testing.T) {
	node := rpctest.NewNode(t)
	p1, _ := market(node)
	node.HandleCall(p1.Address, codec.GetReserves(p1.Address).Selector, rpctest.Revert())
	set, _ := newSet(t, node)

	res := set.Pools.List(context.Background(), factory)
	require.True(t, res.Found)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "DAI/USDC", res.Value[0].Name())
}

func TestPools_ListRespectsMaxPools(t *testing.T) {
	node := rpctest.NewNode(t)
	market(node)
	set, _ := newSet(t, node)
	set.Pools.maxPools = 1

	res := set.Pools.List(context.Background(), factory)
	require.True(t, res.Found)
	assert.Len(t, res.Value, 1)
}

func TestPools_EmptyFactory(t *testing.T) {
	node := rpctest.NewNode(t)
	node.AddFactory(factory)
	set, _ := newSet(t, node)

	res := set.Pools.List(context.Background(), factory)
	assert.True(t, res.Found)
	assert.Empty(t, res.Value)
}

func TestPools_UnknownFactoryIsNotFound(t *testing.T) {
	node := rpctest.NewNode(t)
	set, _ := newSet(t, node)

	res := set.Pools.List(context.Background(), common.HexToAddress("0xf00"))
	assert.False(t, res.Found)
	assert.False(t, res.Available)
	assert.NotEmpty(t, res.Error)
}

func TestPools_Reserves(t *testing.T) {
	node := rpctest.NewNode(t)
	p1, _ := market(node)
	set, clock := newSet(t, node)
	ctx := context.Background()

	res := set.Pools.Reserves(ctx, p1.Address)
	require.True(t, res.Found)
	assert.Equal(t, 0, units(20000, 6).Cmp(res.Value.Reserve1))
	assert.Equal(t, uint32(1700000000), res.Value.BlockTimestampLast)

	p1.SetReserves(big.NewInt(1), big.NewInt(2))
	assert.Equal(t, 0, units(10, 18).Cmp(set.Pools.Reserves(ctx, p1.Address).Value.Reserve0))

	clock.advance(30 * time.Second)
	assert.Equal(t, int64(1), set.Pools.Reserves(ctx, p1.Address).Value.Reserve0.Int64())
}
