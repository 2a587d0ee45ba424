package chzzk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when the platform rejects the bearer token (HTTP 401).
var ErrUnauthorized = errors.New("chzzk: unauthorized")

// APIError is a non-2xx platform response other than 401.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chzzk %s failed: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Body)
}

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the request will keep failing as sent.
	ErrorClassFatal
	// ErrorClassUnauthorized indicates the token must be refreshed first.
	ErrorClassUnauthorized
	// ErrorClassUnknown indicates no error or one this package did not produce.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Classify maps an error from this package into a retry class.
//
// Unauthorized: ErrUnauthorized.
// Fatal: 4xx responses other than 408 and 429, context cancellation.
// Retryable: 5xx, 408, 429, timeouts and network errors, including wrapped
// ones that only survive as text. Anything else is Unknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrUnauthorized) {
		return ErrorClassUnauthorized
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status >= 500, apiErr.Status == http.StatusTooManyRequests, apiErr.Status == http.StatusRequestTimeout:
			return ErrorClassRetryable
		case apiErr.Status >= 400:
			return ErrorClassFatal
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"connection reset", "connection refused", "broken pipe", "eof"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	return ErrorClassUnknown
}

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool { return Classify(err) == ErrorClassRetryable }
