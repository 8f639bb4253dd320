package errors

import (
	"errors"
	"net"
	"net/http"
	"syscall"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable, preserving the HTTP status when known.
func Transient(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, StatusCode: statusCode}
}

// Permanent wraps err as non-retryable, preserving the HTTP status when known.
func Permanent(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether an error is retryable. Explicit markers win;
// otherwise network-level failures count as transient and everything else
// does not, so unknown errors never retry forever.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status code is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
