package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transient registry and audit failures are retried with bounded exponential
// backoff before surfacing to the pipeline: 3 attempts, 100 ms base, jitter.
const (
	retryMaxAttempts     = 3
	retryBaseInterval    = 100 * time.Millisecond
	retryRandomization   = 0.5
	retryMultiplier      = 2.0
	retryMaxInterval     = time.Second
)

// withRetry runs op with the store retry policy. Context cancellation stops
// retries immediately; the last error is returned.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.RandomizationFactor = retryRandomization
	policy.Multiplier = retryMultiplier
	policy.MaxInterval = retryMaxInterval

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx,
	))
}

// backoffPermanent marks an error as non-retryable so withRetry returns it
// immediately. Used for not-found and invariant violations, which no amount
// of retrying will fix.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
