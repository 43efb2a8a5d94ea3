package peer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds Retry. Retryable defaults to IsTransient. Notify, when set, is called
// before each wait.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Retryable      func(error) bool
	Notify         func(err error, wait time.Duration)
}

// DefaultRetryPolicy retries once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out of attempts or the
// context ends. Waits double from InitialBackoff up to MaxBackoff. The last error is returned,
// joined with the context error when the context ended first.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	operation := func() error {
		lastErr = fn(ctx)
		if lastErr != nil && !retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	schedule := backoff.WithContext(backoff.WithMaxRetries(policy.schedule(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, schedule, policy.Notify)
	if err != nil && lastErr != nil && ctx.Err() != nil && !errors.Is(err, lastErr) {
		return errors.Join(lastErr, err)
	}
	return err
}

func (policy RetryPolicy) schedule() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialBackoff
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxElapsedTime = 0
	exponential.MaxInterval = policy.MaxBackoff
	if exponential.MaxInterval <= 0 {
		exponential.MaxInterval = backoff.DefaultMaxInterval
	}
	exponential.Reset()
	return exponential
}

// IsTransient reports whether err is a timeout, connection failure or a retryable status.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
