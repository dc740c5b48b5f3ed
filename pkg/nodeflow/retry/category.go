// Package retry classifies errors and retries transient failures with
// bounded exponential backoff.
//
// Retry is a per-node concern: node kinds that call external services
// (the llm node) wrap their calls in Do. The graph itself never retries.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether retrying an error can help.
type Category int

const (
	// CategoryTransient covers rate limits, timeouts and 5xx responses.
	CategoryTransient Category = iota
	// CategoryPermanent covers everything else, including unknown errors.
	CategoryPermanent
)

func (c Category) String() string {
	if c == CategoryTransient {
		return "transient"
	}
	if c == CategoryPermanent {
		return "permanent"
	}
	return "unknown"
}

// CategorizedError is the error Do returns once it stops retrying.
type CategorizedError struct {
	Err      error
	Category Category
	Attempts int
	// Op names the failing operation, if known.
	Op string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%v [%s after %d attempt(s)]", e.Err, e.Category, e.Attempts)
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transient marks err as retryable regardless of its type.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Op: op}
}

// Permanent stops retries for err regardless of its type.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Op: op}
}

// StatusCoder is implemented by errors carrying an HTTP status, such as
// errors returned by model providers.
type StatusCoder interface {
	StatusCode() int
}

// Categorize classifies err. An explicit CategorizedError wins, then an
// HTTP status, then deadline expiry. Anything else is permanent.
func Categorize(err error) Category {
	var catErr *CategorizedError
	var coder StatusCoder
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.As(err, &coder):
		if code := coder.StatusCode(); code == 408 || code == 429 || code >= 500 {
			return CategoryTransient
		}
		return CategoryPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
