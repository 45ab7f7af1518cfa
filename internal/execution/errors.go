// ABOUTME: Error taxonomy for execution dispatch
// ABOUTME: Rate limit, backend and timeout errors drive the retry classification

package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidRequest is returned for requests missing code or language.
	ErrInvalidRequest = errors.New("invalid execution request")

	// ErrQueueFull is returned when the dispatch queue is at capacity.
	ErrQueueFull = errors.New("execution queue full")

	// ErrDispatcherClosed is returned once the dispatcher has shut down.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrExecutionTimeout means a call to the runner did not complete
	// within the request timeout. It is retried.
	ErrExecutionTimeout = errors.New("execution request timed out")

	// ErrRunTimeout means the runner itself killed the program for
	// exceeding its compile or run limit. Retrying would hit the same
	// limit, so it is not retried.
	ErrRunTimeout = errors.New("program exceeded its time limit")
)

// RateLimitError is returned when the runner answers 429.
type RateLimitError struct {
	// RetryAfter is the runner's requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by execution backend (retry after %s)", e.RetryAfter)
	}
	return "rate limited by execution backend"
}

// BackendError is a non-2xx, non-429 response from the runner.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("execution backend: HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientInput reports whether the runner rejected the request itself
// (unknown language, malformed code) rather than failing transiently.
func (e *BackendError) ClientInput() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// DispatchError is returned by Submit when a request ends in StateFailed.
type DispatchError struct {
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("execution failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed attempt should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDispatcherClosed) ||
		errors.Is(err, ErrRunTimeout) {
		return false
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return !backendErr.ClientInput()
	}

	// Rate limits, request timeouts and transport failures.
	return true
}

// IsRateLimited reports whether err carries a rate limit response.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
