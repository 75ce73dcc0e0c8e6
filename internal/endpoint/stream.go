package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chainreader/internal/jsonrpc"
)

// StreamConfig for creating a StreamHandle
type StreamConfig struct {
	URL               string
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	Report            func(Outcome)
	Logger            zerolog.Logger
}

// StreamHandle keeps a newHeads subscription open on the streaming endpoint.
// It is a liveness signal only: every head reports success, every dropped connection a failure.
type StreamHandle struct {
	url               string
	messageTimeout    time.Duration
	reconnectInterval time.Duration
	report            func(Outcome)
	logger            zerolog.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	lastBlock  atomic.Uint64
	heads      atomic.Uint64
	lastHeadAt atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewStreamHandle creates a handle; call Start to connect
func NewStreamHandle(cfg StreamConfig) *StreamHandle {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Report == nil {
		cfg.Report = func(Outcome) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandle{
		url:               cfg.URL,
		messageTimeout:    cfg.MessageTimeout,
		reconnectInterval: cfg.ReconnectInterval,
		report:            cfg.Report,
		logger:            cfg.Logger.With().Str("endpoint", string(KindStreaming)).Logger(),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Kind implements Handle
func (s *StreamHandle) Kind() Kind {
	return KindStreaming
}

// URL implements Handle
func (s *StreamHandle) URL() string {
	return s.url
}

// LastBlock returns the number of the most recent head seen
func (s *StreamHandle) LastBlock() uint64 {
	return s.lastBlock.Load()
}

// HeadCount returns the number of heads received since start
func (s *StreamHandle) HeadCount() uint64 {
	return s.heads.Load()
}

// LastHeadAt returns when the last head arrived, zero if none yet
func (s *StreamHandle) LastHeadAt() time.Time {
	ns := s.lastHeadAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connected returns true if the WebSocket connection is established
func (s *StreamHandle) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

// Start runs the connect/subscribe/read loop until Close or ctx is done
func (s *StreamHandle) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()

		for {
			err := s.session(ctx)
			if ctx.Err() != nil {
				return
			}

			s.report(OutcomeFailure)
			s.logger.Warn().
				Err(err).
				Dur("retryIn", s.reconnectInterval).
				Msg("streaming connection lost, reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectInterval):
			}
		}
	}()
}

// session dials, subscribes to newHeads and reads until the connection fails
func (s *StreamHandle) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, err := jsonrpc.NewRequest("eth_subscribe", []string{"newHeads"}, jsonrpc.NewIDInt(1))
	if err != nil {
		return err
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}

	s.logger.Info().Str("url", s.url).Msg("streaming endpoint connected")

	for {
		conn.SetReadDeadline(time.Now().Add(s.messageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(data); err != nil {
			return err
		}
	}
}

func (s *StreamHandle) handleMessage(data []byte) error {
	var base struct {
		ID     *json.RawMessage            `json:"id"`
		Method string                      `json:"method"`
		Result json.RawMessage             `json:"result"`
		Error  *jsonrpc.Error              `json:"error"`
		Params *jsonrpc.SubscriptionParams `json:"params"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		s.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
		return nil
	}

	if base.Error != nil {
		return fmt.Errorf("subscription error: %s", base.Error.Message)
	}

	if base.ID != nil {
		var subID string
		_ = json.Unmarshal(base.Result, &subID)
		s.logger.Debug().Str("subscription", subID).Msg("newHeads subscription established")
		s.report(OutcomeSuccess)
		return nil
	}

	if base.Method != "eth_subscription" || base.Params == nil {
		return nil
	}

	var head jsonrpc.BlockHeader
	if err := json.Unmarshal(base.Params.Result, &head); err != nil {
		s.logger.Warn().Err(err).Msg("invalid newHeads payload")
		return nil
	}

	if n, err := strconv.ParseUint(strings.TrimPrefix(head.Number, "0x"), 16, 64); err == nil {
		s.lastBlock.Store(n)
	}
	s.lastHeadAt.Store(time.Now().UnixNano())
	s.report(OutcomeSuccess)
	s.heads.Add(1)

	s.logger.Debug().Str("number", head.Number).Str("hash", head.Hash).Msg("head received")
	return nil
}

// Close stops the loop and closes the connection
func (s *StreamHandle) Close() {
	s.cancel()
	s.wg.Wait()
}
