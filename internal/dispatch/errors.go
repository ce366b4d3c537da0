package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"somnus/internal/inference"
)

// ErrPoolExhausted is returned when no pool slot became available before the
// request's deadline or the configured acquire timeout.
var ErrPoolExhausted = errors.New("dispatch: connection pool exhausted")

// ErrQueueFull is returned when the admission queue is at capacity. The
// request was never admitted; callers may retry.
var ErrQueueFull = errors.New("dispatch: request queue full")

// ErrClosed is returned for dispatches after Close.
var ErrClosed = errors.New("dispatch: client closed")

// BackendErrorKind classifies a backend failure.
type BackendErrorKind int

const (
	// KindTimeout - the backend did not answer in time.
	KindTimeout BackendErrorKind = iota
	// KindUnavailable - the backend could not be reached or is overloaded.
	KindUnavailable
	// KindProtocol - the backend answered, but the exchange was malformed
	// or rejected. Not retryable without changing the request.
	KindProtocol
)

func (k BackendErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// BackendError wraps a backend failure with its classification.
type BackendError struct {
	Kind BackendErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("dispatch: backend %s: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on retry.
func (e *BackendError) Retryable() bool {
	return e.Kind != KindProtocol
}

// classifyBackendError maps a raw inference error onto the taxonomy.
func classifyBackendError(err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &BackendError{Kind: KindTimeout, Err: err}
	}

	var httpErr *inference.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= http.StatusInternalServerError:
			return &BackendError{Kind: KindUnavailable, Err: err}
		default:
			return &BackendError{Kind: KindProtocol, Err: err}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &BackendError{Kind: KindUnavailable, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &BackendError{Kind: KindTimeout, Err: err}
	}

	// Marshalling and decode failures land here.
	return &BackendError{Kind: KindProtocol, Err: err}
}
