package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	cfg := &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   2,
		Sleep:        recordingSleep(&delays),
	}

	calls := 0
	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 4 {
			return errors.New("throttled")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, delays)
}

func TestWithExponentialBackoff_Exhausted(t *testing.T) {
	var delays []time.Duration
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, Sleep: recordingSleep(&delays)}

	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return errors.New("still throttled")
	})

	assert.False(t, result.Success)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, delays, 2)
}

func TestWithExponentialBackoff_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("field 'foo' doesn't exist")
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}

	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return Permanent(cause)
	})

	assert.False(t, result.Success)
	assert.False(t, result.Exhausted)
	assert.Equal(t, 1, result.Attempts)
	assert.Same(t, cause, result.LastError)
}

func TestWithExponentialBackoff_ShouldRetryFilter(t *testing.T) {
	retryable := errors.New("429")
	fatal := errors.New("syntax error")
	cfg := &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  func(err error) bool { return errors.Is(err, retryable) },
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}

	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return retryable
		}
		return fatal
	})

	assert.Equal(t, 2, result.Attempts)
	assert.Same(t, fatal, result.LastError)
}

func TestWithExponentialBackoff_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2}

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second, Multiplier: 2}

	assert.Equal(t, 500*time.Millisecond, CalculateDelay(cfg, 1))
	assert.Equal(t, time.Second, CalculateDelay(cfg, 2))
	assert.Equal(t, 2*time.Second, CalculateDelay(cfg, 3))
	assert.Equal(t, 4*time.Second, CalculateDelay(cfg, 10))
}
