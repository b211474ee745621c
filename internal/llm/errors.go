package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// ProviderError wraps a failed inference call with enough context for
// the dispatcher to decide between retrying and giving up. Status is
// the HTTP status code, or 0 for network-level failures.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return e.Provider + " API error " + http.StatusText(e.Status) + ": " + e.Err.Error()
	}
	return e.Provider + " request failed: " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
// Timeouts, rate limits, and server-side failures are transient;
// any other client error (bad request, auth, oversized payload) is
// permanent and retrying would only repeat it.
func (e *ProviderError) Transient() bool {
	switch {
	case e.Status == 0:
		return true // network-level failure, never reached the API
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err represents a failure worth retrying.
// Context cancellation is never transient: the caller already decided
// to stop waiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
