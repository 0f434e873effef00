package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryableError reports a request that kept failing with a retryable
// status after every allowed attempt. RetryAfter carries the wait the
// next attempt should honor, so callers can keep backing off without
// re-parsing provider headers.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %s)", e.StatusCode, msg, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err or anything it wraps is a
// RetryableError. Callers use it to tell transient provider trouble
// from hard failures.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
