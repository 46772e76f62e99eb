package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTooManyRecipients = errors.New("gateway: too many recipients")
	ErrCircuitOpen       = errors.New("gateway: circuit open")
	ErrInvalidRecipient  = errors.New("gateway: invalid recipient")
)

// Error is a delivery failure reported by a driver.
type Error struct {
	Op         string
	Recipients int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s (%d recipients): %v", e.Op, e.Recipients, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NoRetry marks an error as permanent so the caller will not retry it.
//
// Example:
//
//	return gateway.NoRetry(fmt.Errorf("chat %s: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Permanent reports whether retrying err is pointless: it is wrapped with
// NoRetry or is an *Error marked not retryable.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return true
	}
	var ge *Error
	return errors.As(err, &ge) && !ge.Retryable
}

// RetryAfter attaches a provider-suggested delay (e.g. HTTP 429) to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts a RetryAfter delay from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
