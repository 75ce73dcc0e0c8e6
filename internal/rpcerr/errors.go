// Package rpcerr classifies failures of remote reads.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"chainreader/internal/jsonrpc"
)

// Class is the retry category of a failed call
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassDecode
	ClassLogical
	ClassFatal
)

// String returns the metric/log label of the class
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassDecode:
		return "decode"
	case ClassLogical:
		return "logical"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// EndpointFault reports whether the endpoint itself misbehaved.
// A revert or a bad payload means the node answered.
func (c Class) EndpointFault() bool {
	return c == ClassTransient || c == ClassRateLimited
}

var (
	// ErrTimeout is returned when an attempt loses the race against its deadline
	ErrTimeout = errors.New("call timed out")

	// ErrUnsupported marks a transport feature the endpoint rejected
	ErrUnsupported = errors.New("unsupported by endpoint")
)

// HTTPStatusError is returned for non-200 transport responses
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// DecodeError wraps a malformed or ABI-mismatched payload
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err as a decode failure
func NewDecodeError(what string, err error) error {
	return &DecodeError{What: what, Err: err}
}

// CallError is the terminal failure of an executor call
type CallError struct {
	Key      string
	Class    Class
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s failed after %d attempt(s) (%s): %v", e.Key, e.Attempts, e.Class, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"limit exceeded",
	"request limit",
	"exceeded the quota",
}

var logicalPhrases = []string{
	"execution reverted",
	"revert",
	"invalid opcode",
	"out of gas",
}

// Classify maps an error from any layer onto a Class
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ClassDecode
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnsupported) {
		return ClassFatal
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	if containsAny(err.Error(), rateLimitPhrases) {
		return ClassRateLimited
	}

	// Connection resets and unknown transport failures are worth another try
	return ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusRequestTimeout:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassFatal
	default:
		return ClassTransient
	}
}

func classifyRPC(e *jsonrpc.Error) Class {
	switch e.Code {
	case jsonrpc.CodeLimitExceeded, jsonrpc.CodeRateLimited:
		return ClassRateLimited
	case jsonrpc.CodeExecutionReverted:
		return ClassLogical
	case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest, jsonrpc.CodeMethodNotFound, jsonrpc.CodeInvalidParams:
		return ClassFatal
	}

	switch {
	case containsAny(e.Message, rateLimitPhrases):
		return ClassRateLimited
	case containsAny(e.Message, logicalPhrases):
		return ClassLogical
	}

	// Internal and server errors are the node's problem
	return ClassTransient
}

func containsAny(s string, phrases []string) bool {
	s = strings.ToLower(s)
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
