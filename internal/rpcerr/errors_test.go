package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"chainreader/internal/jsonrpc"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"timeout", ErrTimeout, ClassTransient},
		{"deadline", fmt.Errorf("HTTP request failed: %w", context.DeadlineExceeded), ClassTransient},
		{"canceled", context.Canceled, ClassFatal},
		{"http 429", &HTTPStatusError{StatusCode: 429}, ClassRateLimited},
		{"http 503", &HTTPStatusError{StatusCode: 503}, ClassTransient},
		{"http 400", &HTTPStatusError{StatusCode: 400}, ClassFatal},
		{"rpc limit code", jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "whatever"), ClassRateLimited},
		{"rpc limit message", jsonrpc.NewError(-32000, "Too Many Requests"), ClassRateLimited},
		{"rpc revert code", jsonrpc.NewError(jsonrpc.CodeExecutionReverted, "execution reverted"), ClassLogical},
		{"rpc revert message", jsonrpc.NewError(-32000, "execution reverted: paused"), ClassLogical},
		{"rpc invalid params", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "bad"), ClassFatal},
		{"rpc internal", jsonrpc.NewError(jsonrpc.CodeInternalError, "oops"), ClassTransient},
		{"decode", NewDecodeError("uint256", errors.New("short")), ClassDecode},
		{"wrapped call error", fmt.Errorf("outer: %w", &CallError{Class: ClassLogical}), ClassLogical},
		{"unknown", errors.New("connection reset by peer"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClass_Retryable(t *testing.T) {
	assert.True(t, ClassTransient.Retryable())
	assert.True(t, ClassRateLimited.Retryable())
	assert.False(t, ClassDecode.Retryable())
	assert.False(t, ClassLogical.Retryable())
	assert.False(t, ClassFatal.Retryable())
}

func TestCallError_Unwrap(t *testing.T) {
	cause := &HTTPStatusError{StatusCode: 502, Body: "bad gateway"}
	err := &CallError{Key: "bal_0xabc_native", Class: ClassTransient, Attempts: 3, Err: cause}

	var statusErr *HTTPStatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 502, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}
