package upstream

import (
	"fmt"
	"net/http"
)

// StatusError carries a non-2xx upstream status through the retry and
// response paths.
type StatusError struct {
	Code int
	Msg  string
}

func (e StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// StatusCode returns the upstream HTTP status.
func (e StatusError) StatusCode() int { return e.Code }

// Retryable reports whether another attempt could succeed. Server-side
// failures are worth retrying, client mistakes are not.
func (e StatusError) Retryable() bool { return e.Code >= http.StatusInternalServerError }

// MissingCredential is the error returned when a provider has no usable
// credential. It is never retried: the request fails before any attempt.
func MissingCredential(provider string) StatusError {
	return StatusError{
		Code: http.StatusServiceUnavailable,
		Msg:  fmt.Sprintf("provider %s has no credential configured", provider),
	}
}
