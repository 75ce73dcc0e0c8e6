package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chainreader/internal/jsonrpc"
	"chainreader/internal/rpcerr"
)

// HTTPHandle sends JSON-RPC requests to the primary endpoint
type HTTPHandle struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
	requests   atomic.Uint64
	logger     zerolog.Logger
}

// NewHTTPHandle creates a handle with a pooled transport
func NewHTTPHandle(url string, timeout time.Duration, logger zerolog.Logger) *HTTPHandle {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &HTTPHandle{
		url: url,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger.With().Str("endpoint", string(KindPrimary)).Logger(),
	}
}

// Kind implements Handle
func (h *HTTPHandle) Kind() Kind {
	return KindPrimary
}

// URL implements Handle
func (h *HTTPHandle) URL() string {
	return h.url
}

// NextID returns a fresh request id
func (h *HTTPHandle) NextID() jsonrpc.ID {
	return jsonrpc.NewIDInt(h.nextID.Add(1))
}

// RequestCount returns the number of HTTP round trips made so far
func (h *HTTPHandle) RequestCount() uint64 {
	return h.requests.Load()
}

// Call performs a single request and decodes the result into out.
// A JSON-RPC error is returned as *jsonrpc.Error.
func (h *HTTPHandle) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req, err := jsonrpc.NewRequest(method, params, h.NextID())
	if err != nil {
		return err
	}

	resp, err := h.Execute(ctx, req)
	if err != nil {
		return err
	}
	if resp.HasError() {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := resp.GetResultAs(out); err != nil {
		return rpcerr.NewDecodeError(method+" result", err)
	}
	return nil
}

// Execute sends one JSON-RPC request
func (h *HTTPHandle) Execute(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := h.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, rpcerr.NewDecodeError("response", err)
	}
	return resp, nil
}

// ExecuteBatch sends requests as one JSON array. Responses are returned in arrival order.
func (h *HTTPHandle) ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	reqBytes, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	body, err := h.post(ctx, reqBytes)
	if err != nil {
		return nil, err
	}

	responses, isArray, err := jsonrpc.ParseBatchResponse(body)
	if err != nil {
		return nil, rpcerr.NewDecodeError("batch response", err)
	}
	if !isArray {
		// Endpoints without batch support answer with a single error object
		if len(responses) == 1 && responses[0].HasError() {
			return nil, fmt.Errorf("batch request: %w: %s", rpcerr.ErrUnsupported, responses[0].Error.Message)
		}
		return nil, fmt.Errorf("batch request: %w: non-array response", rpcerr.ErrUnsupported)
	}

	h.logger.Debug().
		Int("requests", len(requests)).
		Int("responses", len(responses)).
		Msg("batch request succeeded")

	return responses, nil
}

func (h *HTTPHandle) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	h.requests.Add(1)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &rpcerr.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// Close releases idle connections
func (h *HTTPHandle) Close() {
	h.httpClient.CloseIdleConnections()
}
