package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// NewRequest creates a new JSON-RPC request
func NewRequest(method string, params interface{}, id ID) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
	}

	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsBytes
	}

	return req, nil
}

// NewCallRequest builds an eth_call against the latest block
func NewCallRequest(call CallObject, id ID) (*Request, error) {
	return NewRequest("eth_call", []interface{}{call, "latest"}, id)
}

// ParseBatchRequest parses a single request or an array of requests
func ParseBatchRequest(data []byte) ([]*Request, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, NewError(CodeInvalidRequest, "Invalid Request")
	}

	if data[0] == '[' {
		var requests []*Request
		if err := json.Unmarshal(data, &requests); err != nil {
			return nil, true, fmt.Errorf("failed to parse batch request: %w", err)
		}
		if len(requests) == 0 {
			return nil, true, NewError(CodeInvalidRequest, "Invalid Request")
		}
		return requests, true, nil
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, fmt.Errorf("failed to parse request: %w", err)
	}
	return []*Request{&req}, false, nil
}

// Bytes returns the request as JSON bytes
func (r *Request) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// trimWhitespace removes leading whitespace from byte slice
func trimWhitespace(data []byte) []byte {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return data[i:]
		}
	}
	return data
}
