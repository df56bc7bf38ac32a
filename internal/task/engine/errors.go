package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrStale       = errors.New("task dropped: waited too long in queue")
	// ErrRetryHandedOff finishes a task whose retry was taken over by
	// Task.RetryHandoff.
	ErrRetryHandedOff = errors.New("task retry handed off")
)

// NoRetry marks an error as non-retryable.
//
// Tasks wrap validation errors or other permanent failures with NoRetry so
// the engine finishes them immediately:
//
//	return engine.NoRetry(fmt.Errorf("bad args: %w", err))
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

// RetryAfter asks for a specific countdown before the next retry.
//
// Handlers use it for their own backoff (30s * 2^n) or to honour a
// downstream Retry-After. The hint is bounded by RetryMaxDelay; a zero hint
// falls back to the task's backoff.
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

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Countdown returns base * 2^retries, the usual exponential countdown for
// a handler that has already been retried `retries` times.
func Countdown(base time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 20 {
		retries = 20
	}
	return base << retries
}

type attemptKey struct{}

// Attempt returns how many times the running task has been retried;
// 0 on the first run.
func Attempt(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// WithAttempt returns a context carrying the retry count. Used by callers
// that run handlers outside the engine.
func WithAttempt(ctx context.Context, retries int) context.Context {
	return context.WithValue(ctx, attemptKey{}, retries)
}
