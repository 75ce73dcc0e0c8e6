package jsonrpc

import (
	"encoding/json"
	"strconv"
)

// Version is the JSON-RPC version
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server error codes range: -32000 to -32099
	CodeServerError = -32000

	// Provider specific throttling codes
	CodeLimitExceeded = -32005
	CodeRateLimited   = -32029

	// Geth reports reverted eth_call with code 3 and the revert data attached
	CodeExecutionReverted = 3
)

// ID is a request/response id. Requests built here always use integers; responses may echo
// them back as numbers or strings.
type ID struct {
	value interface{}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// Int64 returns the numeric form of the ID.
// Decoded IDs arrive as float64 or numeric strings depending on the peer.
func (id ID) Int64() (int64, bool) {
	switch v := id.value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &id.value)
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new JSON-RPC error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// CallObject is the transaction object accepted by eth_call
type CallObject struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// SubscriptionParams contains the subscription notification parameters
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// BlockHeader is the subset of a newHeads payload the streaming handle reads
type BlockHeader struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Number     string `json:"number"`
	Timestamp  string `json:"timestamp"`
}
