package adapter

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"chainreader/internal/reader"
)

// Set bundles every adapter over one reader
type Set struct {
	Metadata  *Metadata
	Balances  *Balances
	Pools     *Pools
	Analytics *Analytics

	reader *reader.Reader
	logger zerolog.Logger
}

// NewSet creates every adapter
func NewSet(r *reader.Reader, opts Options) (*Set, error) {
	meta, err := NewMetadata(r, opts)
	if err != nil {
		return nil, err
	}
	balances, err := NewBalances(r, meta, opts)
	if err != nil {
		return nil, err
	}
	pools, err := NewPools(r, meta, opts)
	if err != nil {
		return nil, err
	}
	analytics, err := NewAnalytics(r, pools, opts)
	if err != nil {
		return nil, err
	}

	return &Set{
		Metadata:  meta,
		Balances:  balances,
		Pools:     pools,
		Analytics: analytics,
		reader:    r,
		logger:    opts.Logger.With().Str("component", "adapter").Logger(),
	}, nil
}

// Reader returns the underlying read facade
func (s *Set) Reader() *reader.Reader {
	return s.reader
}

// OnTransactionConfirmed drops everything cached for wallet and re-reads its native balance
// once the settle delay has passed
func (s *Set) OnTransactionConfirmed(ctx context.Context, wallet common.Address) reader.Result[string] {
	n := s.Balances.InvalidateWallet(wallet)
	n += s.Analytics.InvalidateWallet(wallet)

	s.logger.Info().
		Str("wallet", wallet.Hex()).
		Int("invalidated", n).
		Msg("transaction confirmed, refreshing wallet")

	return s.Balances.RefreshNative(ctx, wallet)
}

// Reset clears every adapter and the read facade
func (s *Set) Reset() {
	s.Metadata.Reset()
	s.Balances.Reset()
	s.Pools.Reset()
	s.Analytics.Reset()
	s.reader.Reset()
}
