package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/codec"
	"chainreader/internal/reader"
)

// NativeDecimals is the precision of the chain's native currency
const NativeDecimals = 18

// TokenBalance is one formatted ERC-20 holding
type TokenBalance struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Balance  string         `json:"balance"`
}

// Balances caches native and token balances as decimal strings
type Balances struct {
	reader *reader.Reader
	meta   *Metadata
	cache  *Cache[TokenBalance]
}

// NewBalances creates the balance cache
func NewBalances(r *reader.Reader, meta *Metadata, opts Options) (*Balances, error) {
	c, err := NewCache[TokenBalance]("bal", r, opts.BalanceTTL, opts.SettleDelay, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Balances{reader: r, meta: meta, cache: c}, nil
}

// NativeKey is the cache key of a wallet's native balance
func NativeKey(wallet common.Address) string {
	return cache.Key("bal", wallet.Hex(), "native")
}

// TokenKey is the cache key of a wallet's token balance
func TokenKey(wallet, token common.Address) string {
	return cache.Key("bal", wallet.Hex(), token.Hex())
}

// Native returns the native balance of wallet
func (b *Balances) Native(ctx context.Context, wallet common.Address) reader.Result[string] {
	return balanceString(b.cache.Get(ctx, NativeKey(wallet), b.fetchNative(wallet)))
}

// RefreshNative bypasses both cache layers for the native balance of wallet
func (b *Balances) RefreshNative(ctx context.Context, wallet common.Address) reader.Result[string] {
	return balanceString(b.cache.ForceRefresh(ctx, NativeKey(wallet), b.fetchNative(wallet)))
}

func (b *Balances) fetchNative(wallet common.Address) func(ctx context.Context) (TokenBalance, error) {
	return func(ctx context.Context) (TokenBalance, error) {
		wei, err := b.reader.FetchNativeBalance(ctx, wallet)
		if err != nil {
			return TokenBalance{}, err
		}
		return TokenBalance{Decimals: NativeDecimals, Balance: FormatUnits(wei, NativeDecimals)}, nil
	}
}

// Token returns the balance of one token held by wallet
func (b *Balances) Token(ctx context.Context, wallet, token common.Address) reader.Result[TokenBalance] {
	return b.Tokens(ctx, wallet, []common.Address{token})[0]
}

// Tokens returns the balances of tokens held by wallet. Every balance without a fresh entry is
// read in one batched round trip; token metadata comes from its own long-lived cache.
func (b *Balances) Tokens(ctx context.Context, wallet common.Address, tokens []common.Address) []reader.Result[TokenBalance] {
	metas := b.meta.GetMany(ctx, tokens)

	keys := make([]string, len(tokens))
	items := make([][]batch.Item, len(tokens))
	for i, tok := range tokens {
		keys[i] = TokenKey(wallet, tok)
		items[i] = []batch.Item{{Call: codec.BalanceOf(tok, wallet), Decode: codec.DecodeUint256}}
	}

	return b.cache.GetMany(ctx, keys, items, func(i int, values []interface{}) (TokenBalance, error) {
		if !metas[i].Found {
			return TokenBalance{}, fmt.Errorf("no metadata for %s", tokens[i].Hex())
		}
		raw, err := codec.As[*big.Int](values[0])
		if err != nil {
			return TokenBalance{}, err
		}
		meta := metas[i].Value
		return TokenBalance{
			Token:    tokens[i],
			Symbol:   meta.Symbol,
			Decimals: meta.Decimals,
			Balance:  FormatUnits(raw, meta.Decimals),
		}, nil
	})
}

// InvalidateWallet drops every balance of wallet
func (b *Balances) InvalidateWallet(wallet common.Address) int {
	return b.cache.InvalidateWallet(wallet.Hex())
}

// Reset drops every cached balance
func (b *Balances) Reset() {
	b.cache.Reset()
}

func balanceString(res reader.Result[TokenBalance]) reader.Result[string] {
	return reader.Map(res, func(tb TokenBalance) string { return tb.Balance })
}
