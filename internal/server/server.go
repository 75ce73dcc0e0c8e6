package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chainreader/internal/adapter"
	"chainreader/internal/config"
)

// Server exposes the adapters over HTTP
type Server struct {
	cfg        *config.Config
	adapters   *adapter.Set
	handler    *Handler
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server. gatherer backs /metrics and may be nil.
func New(cfg *config.Config, adapters *adapter.Set, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		adapters: adapters,
		handler:  NewHandler(cfg, adapters, gatherer, logger),
		logger:   logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start verifies the chain id, connects the streaming endpoint and starts listening
func (s *Server) Start(ctx context.Context) error {
	if err := s.adapters.Reader().VerifyChain(ctx); err != nil {
		return err
	}
	s.adapters.Reader().Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Str("rpc", s.cfg.RPCURL).
			Bool("streaming", s.cfg.HasStreaming()).
			Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.adapters.Reader().Close()

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
