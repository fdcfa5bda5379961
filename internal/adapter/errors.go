package adapter

import (
	"errors"
	"time"
)

// RetryableError marks an action failure as transient so the dispatcher's
// retry policy applies. RetryAfter, when set, overrides the backoff delay.
type RetryableError struct {
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err with an explicit retryability flag
func NewRetryableError(err error, retryable bool) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable}
}

// NewRetryableErrorWithDelay wraps err and suggests a retry delay
func NewRetryableErrorWithDelay(err error, retryable bool, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable, RetryAfter: retryAfter}
}

// IsRetryable reports whether err is marked transient
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}
	return false
}

// RetryAfter returns the delay suggested by err, or zero
func RetryAfter(err error) time.Duration {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.RetryAfter
	}
	return 0
}

// retryableStatus classifies HTTP status codes: rate limits and server
// errors are worth retrying, other client errors are not.
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
