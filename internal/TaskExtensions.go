package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ActionTimeoutTaskCallback represents a callback function that performs a task with a cancellation context
type ActionTimeoutTaskCallback[T any] func(ctx context.Context) (T, error)

// ActionOnTimeOutRetry represents a callback function invoked before the next attempt
type ActionOnTimeOutRetry func(retryAttemptCount, retryAttemptTotal int, err error)

// DefaultTimeout is the default per-attempt timeout
const DefaultTimeout = 60 * time.Second

// DefaultRetryAttempt is the default number of attempts
const DefaultRetryAttempt = 5

// RetryOptions tunes WaitForRetry. Zero values pick the defaults.
type RetryOptions struct {
	Attempts        int
	Timeout         time.Duration
	TimeoutStep     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	OnRetry         ActionOnTimeOutRetry
	Logger          *Logger
}

// ErrNotRetryable marks an error that retrying cannot fix
var ErrNotRetryable = errors.New("not retryable")

// WaitForRetry executes a task with retry logic and timeout handling. Each
// attempt gets its own timeout, growing by TimeoutStep per attempt, and the
// pause between attempts backs off exponentially.
func WaitForRetry[T any](ctx context.Context, callback ActionTimeoutTaskCallback[T], opts RetryOptions) (T, error) {
	var zero T

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	policy := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		policy.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		policy.MaxInterval = opts.MaxInterval
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptTimeout := timeout + time.Duration(attempt-1)*opts.TimeoutStep

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		result, err := callback(attemptCtx)
		if err == nil {
			return result, nil
		}

		// Check if the context was canceled by the caller
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrNotRetryable) {
			return zero, backoff.Permanent(err)
		}

		if attemptCtx.Err() != nil {
			err = fmt.Errorf("operation timed out after %s: %w", attemptTimeout, err)
			opts.Logger.PushLogWarning(nil, fmt.Sprintf("The operation has timed out! Attempt %d/%d", attempt, attempts))
		} else {
			opts.Logger.PushLogWarning(nil, fmt.Sprintf("The operation has failed! Attempt %d/%d: %v", attempt, attempts, err))
		}

		if opts.OnRetry != nil && attempt < attempts {
			opts.OnRetry(attempt, attempts, err)
		}
		return zero, err
	}

	// Only a safety net; the attempt count is what normally ends the loop
	maxElapsed := 2 * time.Duration(attempts) * (timeout + policy.MaxInterval + time.Duration(attempts)*opts.TimeoutStep)

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("failed after %d attempt(s): %w", attempt, err)
	}
	return result, nil
}
