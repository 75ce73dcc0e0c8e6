package adapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"chainreader/internal/batch"
	"chainreader/internal/cache"
	"chainreader/internal/codec"
	"chainreader/internal/reader"
)

// TokenMeta is the immutable description of an ERC-20 token
type TokenMeta struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Metadata caches token symbols and decimals
type Metadata struct {
	cache *Cache[TokenMeta]
}

// NewMetadata creates the token metadata cache
func NewMetadata(r *reader.Reader, opts Options) (*Metadata, error) {
	c, err := NewCache[TokenMeta]("token_meta", r, opts.TokenMetaTTL, 0, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Metadata{cache: c}, nil
}

// MetaKey is the cache key of a token's metadata
func MetaKey(token common.Address) string {
	return cache.Key("token_meta", token.Hex())
}

// Get returns the metadata of one token
func (m *Metadata) Get(ctx context.Context, token common.Address) reader.Result[TokenMeta] {
	return m.GetMany(ctx, []common.Address{token})[0]
}

// GetMany returns the metadata of every token, fetching the unknown ones in one batch
func (m *Metadata) GetMany(ctx context.Context, tokens []common.Address) []reader.Result[TokenMeta] {
	keys := make([]string, len(tokens))
	items := make([][]batch.Item, len(tokens))
	for i, tok := range tokens {
		keys[i] = MetaKey(tok)
		items[i] = []batch.Item{
			{Call: codec.Symbol(tok), Decode: codec.DecodeString},
			{Call: codec.Decimals(tok), Decode: codec.DecodeUint8},
		}
	}

	return m.cache.GetMany(ctx, keys, items, func(i int, values []interface{}) (TokenMeta, error) {
		symbol, err := codec.As[string](values[0])
		if err != nil {
			return TokenMeta{}, fmt.Errorf("symbol of %s: %w", tokens[i].Hex(), err)
		}
		decimals, err := codec.As[uint8](values[1])
		if err != nil {
			return TokenMeta{}, fmt.Errorf("decimals of %s: %w", tokens[i].Hex(), err)
		}
		return TokenMeta{Address: tokens[i], Symbol: symbol, Decimals: decimals}, nil
	})
}

// Map returns the metadata of every token that resolved, keyed by address
func (m *Metadata) Map(ctx context.Context, tokens []common.Address) map[common.Address]TokenMeta {
	out := make(map[common.Address]TokenMeta, len(tokens))
	for _, res := range m.GetMany(ctx, uniqueAddresses(tokens)) {
		if res.Found {
			out[res.Value.Address] = res.Value
		}
	}
	return out
}

// Reset drops every cached entry
func (m *Metadata) Reset() {
	m.cache.Reset()
}

func uniqueAddresses(in []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(in))
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
