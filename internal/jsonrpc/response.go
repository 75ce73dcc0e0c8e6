package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// NewResponse creates a successful response
func NewResponse(id ID, result interface{}) (*Response, error) {
	resp := &Response{
		JSONRPC: Version,
		ID:      id,
	}

	if result != nil {
		resultBytes, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = resultBytes
	}

	return resp, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   err,
		ID:      id,
	}
}

// ParseResponse parses a JSON-RPC response from bytes
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ParseBatchResponse parses a batch of JSON-RPC responses.
// The second return value reports whether the payload was an array.
func ParseBatchResponse(data []byte) ([]*Response, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, fmt.Errorf("empty response body")
	}

	if data[0] == '[' {
		var responses []*Response
		if err := json.Unmarshal(data, &responses); err != nil {
			return nil, true, err
		}
		return responses, true, nil
	}

	resp, err := ParseResponse(data)
	if err != nil {
		return nil, false, err
	}
	return []*Response{resp}, false, nil
}

// GetResultAs unmarshals the result into the provided type
func (r *Response) GetResultAs(v interface{}) error {
	if r.Result == nil {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}
