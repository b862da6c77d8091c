package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		Strategy:       StrategyFixed,
		InitialBackoff: time.Millisecond,
	}
}

func TestPolicy_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_SurfacesLastErrorOnExhaustion(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_RetryOnStopsNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	p := fastPolicy().WithRetryOn(func(err error) bool {
		return errors.Is(err, errTransient)
	})

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Policy{
		MaxAttempts:    10,
		Strategy:       StrategyFixed,
		InitialBackoff: 50 * time.Millisecond,
	}

	calls := 0
	err := p.Do(ctx, "op", func() error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_NoRetryPolicy(t *testing.T) {
	calls := 0
	err := NoRetryPolicy().Do(context.Background(), "op", func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ValidateNormalizes(t *testing.T) {
	p := &Policy{MaxAttempts: 0, Jitter: 5}
	p.Validate()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, StrategyExponential, p.Strategy)
	assert.Equal(t, 0.1, p.Jitter)
	assert.Equal(t, p.InitialBackoff, p.Increment)
}

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 100*time.Millisecond, b.Next(5))
}

func TestLinearBackoff(t *testing.T) {
	b := NewLinearBackoff(100*time.Millisecond, 50*time.Millisecond, 250*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 150*time.Millisecond, b.Next(1))
	assert.Equal(t, 250*time.Millisecond, b.Next(3))
	assert.Equal(t, 250*time.Millisecond, b.Next(10))
}

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0)
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 400*time.Millisecond, b.Next(2))
	assert.Equal(t, time.Second, b.Next(10))
}

func TestExponentialBackoff_JitterBounded(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0.5)
	for i := 0; i < 100; i++ {
		d := b.Next(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestAdaptiveBackoff_ScalesWithFailureRate(t *testing.T) {
	b := NewAdaptiveBackoff(10*time.Millisecond, time.Minute, 8)

	for i := 0; i < 8; i++ {
		b.Observe(false)
	}
	assert.Equal(t, 0.0, b.FailureRate())
	healthy := b.Next(1)

	for i := 0; i < 8; i++ {
		b.Observe(true)
	}
	assert.Equal(t, 1.0, b.FailureRate())
	failing := b.Next(1)

	assert.Greater(t, failing, healthy)
}

func TestAdaptiveBackoff_Reset(t *testing.T) {
	b := NewAdaptiveBackoff(10*time.Millisecond, time.Minute, 4)
	b.Observe(true)
	b.Observe(true)
	require.Equal(t, 1.0, b.FailureRate())

	b.Reset()
	assert.Equal(t, 0.0, b.FailureRate())
}

func TestPolicy_AdaptiveWiredIntoDo(t *testing.T) {
	p := &Policy{
		MaxAttempts:    3,
		Strategy:       StrategyAdaptive,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AdaptiveWindow: 4,
	}

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}
