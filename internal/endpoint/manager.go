package endpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainreader/internal/config"
)

// Config for creating a new Manager
type Config struct {
	RPCURL            string
	WSURL             string
	RequestTimeout    time.Duration
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	DegradedThreshold int
	DownThreshold     int
	RecoveryTimeout   time.Duration
	Logger            zerolog.Logger
}

// Manager owns the endpoint handles and their health.
// ReportOutcome and Reset are the only ways health changes.
type Manager struct {
	cfg       Config
	primary   *HTTPHandle
	streaming *StreamHandle
	endpoints map[Kind]*Endpoint
	onChange  func(kind Kind, health Health)
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// NewManager creates a Manager and its handles. Streaming is optional.
func NewManager(cfg Config) *Manager {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = config.DefaultDegradedThreshold
	}
	if cfg.DownThreshold < cfg.DegradedThreshold {
		cfg.DownThreshold = cfg.DegradedThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Duration(config.DefaultRecoveryTimeout) * time.Millisecond
	}

	m := &Manager{
		cfg:       cfg,
		endpoints: make(map[Kind]*Endpoint),
		now:       time.Now,
		logger:    cfg.Logger.With().Str("component", "endpoint").Logger(),
	}

	if cfg.RPCURL != "" {
		m.primary = NewHTTPHandle(cfg.RPCURL, cfg.RequestTimeout, cfg.Logger)
		m.endpoints[KindPrimary] = &Endpoint{Kind: KindPrimary}
	}
	if cfg.WSURL != "" {
		m.streaming = NewStreamHandle(StreamConfig{
			URL:               cfg.WSURL,
			MessageTimeout:    cfg.MessageTimeout,
			ReconnectInterval: cfg.ReconnectInterval,
			Report: func(o Outcome) {
				m.ReportOutcome(KindStreaming, o)
			},
			Logger: cfg.Logger,
		})
		m.endpoints[KindStreaming] = &Endpoint{Kind: KindStreaming}
	}

	return m
}

// NewManagerFromConfig creates a Manager from config
func NewManagerFromConfig(cfg *config.Config, logger zerolog.Logger) *Manager {
	return NewManager(Config{
		RPCURL:            cfg.RPCURL,
		WSURL:             cfg.WSURL,
		RequestTimeout:    cfg.GetRequestTimeoutDuration(),
		MessageTimeout:    cfg.GetUpstreamMessageTimeoutDuration(),
		ReconnectInterval: cfg.GetUpstreamReconnectIntervalDuration(),
		DegradedThreshold: cfg.Health.DegradedThreshold,
		DownThreshold:     cfg.Health.DownThreshold,
		RecoveryTimeout:   cfg.Health.GetRecoveryTimeoutDuration(),
		Logger:            logger,
	})
}

// SetClock replaces the time source used for lastChecked and recovery windows
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetOnChange registers a callback fired after every health transition
func (m *Manager) SetOnChange(fn func(kind Kind, health Health)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start connects the streaming handle, if any
func (m *Manager) Start(ctx context.Context) {
	if m.streaming != nil {
		m.streaming.Start(ctx)
	}
}

// GetHandle returns the handle of the given kind or nil if none is configured
func (m *Manager) GetHandle(kind Kind) Handle {
	switch kind {
	case KindPrimary:
		if m.primary != nil {
			return m.primary
		}
	case KindStreaming:
		if m.streaming != nil {
			return m.streaming
		}
	}
	return nil
}

// Primary returns the request/response handle
func (m *Manager) Primary() *HTTPHandle {
	return m.primary
}

// Streaming returns the liveness handle, nil when not configured
func (m *Manager) Streaming() *StreamHandle {
	return m.streaming
}

// Health returns the current health of an endpoint
func (m *Manager) Health(kind Kind) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ep, ok := m.endpoints[kind]; ok {
		return ep.Health
	}
	return HealthUnknown
}

// IsAvailable returns true for healthy and degraded endpoints
func (m *Manager) IsAvailable(kind Kind) bool {
	return m.Health(kind).Available()
}

// AllowRequest returns false while an endpoint is down and its recovery window has not elapsed.
// Once it has, a single caller is let through as a trial request; the others keep getting false
// until that trial reports an outcome, or until another window passes without one.
// Unknown and degraded endpoints are always allowed.
func (m *Manager) AllowRequest(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[kind]
	if !ok {
		return false
	}
	if ep.Health != HealthDown {
		return true
	}

	now := m.now()
	if now.Sub(ep.LastChecked) < m.cfg.RecoveryTimeout {
		return false
	}
	if !ep.trialAt.IsZero() && now.Sub(ep.trialAt) < m.cfg.RecoveryTimeout {
		return false
	}
	ep.trialAt = now
	m.logger.Debug().Str("endpoint", string(kind)).Msg("recovery window elapsed, allowing one trial request")
	return true
}

// ReportOutcome records the result of one use of an endpoint
func (m *Manager) ReportOutcome(kind Kind, outcome Outcome) {
	m.mu.Lock()
	ep, ok := m.endpoints[kind]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := ep.Health
	ep.LastChecked = m.now()
	ep.trialAt = time.Time{}

	switch outcome {
	case OutcomeSuccess:
		ep.ConsecutiveFailures = 0
		ep.Health = HealthHealthy
	case OutcomeFailure, OutcomeRateLimited:
		ep.ConsecutiveFailures++
		switch {
		case ep.ConsecutiveFailures >= m.cfg.DownThreshold:
			ep.Health = HealthDown
		case ep.ConsecutiveFailures >= m.cfg.DegradedThreshold:
			ep.Health = HealthDegraded
		}
		if outcome == OutcomeRateLimited && ep.Health != HealthDown {
			ep.Health = HealthDegraded
		}
	}

	next := ep.Health
	failures := ep.ConsecutiveFailures
	onChange := m.onChange
	m.mu.Unlock()

	if prev == next {
		return
	}

	evt := m.logger.Info()
	if next == HealthDown || next == HealthDegraded {
		evt = m.logger.Warn()
	}
	evt.Str("endpoint", string(kind)).
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("outcome", outcome.String()).
		Int("consecutiveFailures", failures).
		Msg("endpoint health changed")

	if onChange != nil {
		onChange(kind, next)
	}
}

// Reset clears failure counters and returns every endpoint to unknown
func (m *Manager) Reset() {
	m.mu.Lock()
	changed := make([]Kind, 0, len(m.endpoints))
	for kind, ep := range m.endpoints {
		if ep.Health != HealthUnknown {
			changed = append(changed, kind)
		}
		ep.Health = HealthUnknown
		ep.ConsecutiveFailures = 0
		ep.LastChecked = time.Time{}
		ep.trialAt = time.Time{}
	}
	onChange := m.onChange
	m.mu.Unlock()

	m.logger.Info().Msg("endpoint health reset")

	if onChange != nil {
		for _, kind := range changed {
			onChange(kind, HealthUnknown)
		}
	}
}

// Snapshot returns a copy of every tracked endpoint, primary first
func (m *Manager) Snapshot() []Endpoint {
	m.mu.RLock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		cp := *ep
		cp.HealthLabel = cp.Health.String()
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Close closes all handles
func (m *Manager) Close() {
	if m.streaming != nil {
		m.streaming.Close()
	}
	if m.primary != nil {
		m.primary.Close()
	}
}
