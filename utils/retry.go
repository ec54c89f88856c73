package utils

import (
	"context"
	"time"

	"github.com/vitwit/hypernet/types"
)

// Backoff is a bounded exponential backoff policy.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func NewBackoff(cfg types.RetryConfig) Backoff {
	return Backoff{
		Initial:     cfg.InitialInterval,
		Max:         cfg.MaxInterval,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Delay is the wait before the given attempt (1-based). The first attempt
// does not wait.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := b.Initial * time.Duration(1<<uint(attempt-2))
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the
// attempts are used up, or ctx is done. The last error is returned.
func Retry(
	ctx context.Context,
	b Backoff,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) error,
) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := b.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				if lastErr != nil {
					return lastErr
				}
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
