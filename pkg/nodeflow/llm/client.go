// Package llm abstracts external model invocation for nodeflow nodes.
//
// Nodes reach a Client through their processing Context. Two
// implementations ship with the package: OpenAI (go-openai, optionally
// rate limited) and MockClient for tests.
package llm

import (
	"context"
	"fmt"
)

// Client invokes a language model.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete returns the final response for req.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream returns partial responses. The channel is closed after a chunk
	// with Done or Error set.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// Error is returned by Client implementations.
type Error struct {
	// Op is the failed operation ("complete", "stream").
	Op string

	// Err is the underlying error.
	Err error

	// Retryable reports whether the call may succeed if repeated.
	Retryable bool

	// Status is the provider's HTTP status, 0 if unknown.
	Status int
}

// NewError wraps err for operation op.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode reports the provider status used for retry categorization.
// Errors flagged Retryable without a status report 503.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	if e.Retryable {
		return 503
	}
	return 400
}
