package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/hypernet/types"
)

var errTransient = errors.New("transient")

func retryable(err error) bool { return errors.Is(err, errTransient) }

func TestBackoffDelay(t *testing.T) {
	b := NewBackoff(types.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, MaxAttempts: 10})

	assert.Equal(t, time.Duration(0), b.Delay(1))
	assert.Equal(t, 100*time.Millisecond, b.Delay(2))
	assert.Equal(t, 200*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(6))
	assert.Equal(t, time.Second, b.Delay(64))
}

func TestRetry(t *testing.T) {
	fast := Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, retryable, func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, retryable, func(ctx context.Context, attempt int) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		permanent := errors.New("permanent")
		calls := 0
		err := Retry(context.Background(), fast, retryable, func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		_ = Retry(context.Background(), Backoff{}, retryable, func(ctx context.Context, attempt int) error {
			calls++
			return errTransient
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation returns the last error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Backoff{Initial: time.Hour, Max: time.Hour, MaxAttempts: 5}
		err := Retry(ctx, slow, retryable, func(ctx context.Context, attempt int) error {
			cancel()
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
	})
}
