// Package retry wraps cenkalti/backoff with the service's retry policy for
// transient dependency failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
)

const (
	defaultMaxAttempts = 3
	defaultInterval    = 100 * time.Millisecond
)

// OnUnavailable runs op, retrying with capped exponential backoff plus
// jitter while op keeps returning Unavailable. Any other error, including
// context cancellation, stops the retries immediately.
func OnUnavailable(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	policy := backoff.WithContext(backoff.WithMaxRetries(b, defaultMaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if apperrors.IsUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
