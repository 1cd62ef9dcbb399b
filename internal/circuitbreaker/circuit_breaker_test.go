package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider 503")

func newTestBreaker(cfg *Config) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	cb.lastStateChange = now
	return cb, &now
}

func fail() error    { return errProvider }
func succeed() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "mail", MinCalls: 100, MaxConsecutive: 3, Timeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errProvider)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestOpensOnFailureRate(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "mail", MinCalls: 4, FailureThreshold: 0.5, Timeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(&Config{Name: "mail", MaxConsecutive: 1, Timeout: time.Minute, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(&Config{Name: "mail", MaxConsecutive: 1, Timeout: time.Minute, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	*now = now.Add(2 * time.Minute)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestIsFailureFilter(t *testing.T) {
	userErr := errors.New("422 invalid recipient")
	cb, _ := newTestBreaker(&Config{
		Name:           "mail",
		MaxConsecutive: 2,
		Timeout:        time.Minute,
		IsFailure:      func(err error) bool { return errors.Is(err, errProvider) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return userErr })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 5, cb.GetStats().Successes)
}

func TestCancelledContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("mail"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "mail", MaxConsecutive: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}
