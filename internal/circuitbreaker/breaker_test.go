package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/observability"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test-closed", DefaultConfig(), observability.NopLogger())

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	config := DefaultConfig().WithMaxFailures(3)
	cb := NewCircuitBreaker("test-open", config, observability.NopLogger())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenRejectsImmediately(t *testing.T) {
	config := DefaultConfig().WithMaxFailures(1).WithCoolDown(time.Hour)
	cb := NewCircuitBreaker("test-reject", config, observability.NopLogger())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not reach the backend")
}

func TestCircuitBreaker_SingleProbeAfterCoolDown(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(1).
		WithCoolDown(10 * time.Millisecond).
		WithHalfOpenMax(1)
	cb := NewCircuitBreaker("test-probe", config, observability.NopLogger())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	// Exactly one probe is admitted.
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_AbandonReturnsHalfOpenSlot(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(1).
		WithCoolDown(10 * time.Millisecond).
		WithHalfOpenMax(1)
	cb := NewCircuitBreaker("test-abandon", config, observability.NopLogger())

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	// The admitted request dies before reaching the backend; the slot
	// comes back for the next caller.
	require.True(t, cb.Allow())
	require.False(t, cb.Allow())
	cb.RecordAbandon()

	require.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_AbandonNoopWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker("test-abandon-closed", DefaultConfig(), observability.NopLogger())

	cb.RecordAbandon()

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(1).
		WithCoolDown(10 * time.Millisecond)
	cb := NewCircuitBreaker("test-close", config, observability.NopLogger())

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ProbeFailureReopensWithGrownCoolDown(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(1).
		WithCoolDown(10 * time.Millisecond).
		WithMaxCoolDown(time.Second).
		WithCoolDownFactor(2.0)
	cb := NewCircuitBreaker("test-grow", config, observability.NopLogger())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 10*time.Millisecond, cb.CoolDown())

	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 20*time.Millisecond, cb.CoolDown())

	// A later successful recovery resets the grown cool-down.
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 10*time.Millisecond, cb.CoolDown())
}

func TestCircuitBreaker_CoolDownBounded(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(1).
		WithCoolDown(10 * time.Millisecond).
		WithMaxCoolDown(25 * time.Millisecond).
		WithCoolDownFactor(2.0)
	cb := NewCircuitBreaker("test-bound", config, observability.NopLogger())

	cb.RecordFailure()
	for i := 0; i < 4; i++ {
		time.Sleep(cb.CoolDown() + 5*time.Millisecond)
		require.True(t, cb.Allow())
		cb.RecordFailure()
	}

	assert.Equal(t, 25*time.Millisecond, cb.CoolDown())
}

func TestCircuitBreaker_FailureRatioOpens(t *testing.T) {
	config := DefaultConfig().
		WithMaxFailures(100).
		WithFailureRatio(0.5).
		WithMinRequests(10)
	cb := NewCircuitBreaker("test-ratio", config, observability.NopLogger())

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker("test-exec", DefaultConfig(), observability.NopLogger())

	err := cb.Execute(context.Background(), func() error {
		return nil
	})
	require.NoError(t, err)

	backendErr := errors.New("backend down")
	err = cb.Execute(context.Background(), func() error {
		return backendErr
	})
	assert.ErrorIs(t, err, backendErr)
	assert.Equal(t, 1, cb.Stats().Failures)
}

func TestCircuitBreaker_IsSuccessfulOverride(t *testing.T) {
	sentinel := errors.New("not a backend failure")
	config := DefaultConfig().WithMaxFailures(1).WithIsSuccessful(func(err error) bool {
		return err == nil || errors.Is(err, sentinel)
	})
	cb := NewCircuitBreaker("test-issuccess", config, observability.NopLogger())

	err := cb.Execute(context.Background(), func() error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	config := DefaultConfig().WithMaxFailures(1).WithCoolDown(time.Hour)
	cb := NewCircuitBreaker("test-reset", config, observability.NopLogger())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(DefaultConfig(), observability.NopLogger())

	cb1 := r.GetOrCreate("warehouse")
	cb2 := r.GetOrCreate("warehouse")
	assert.Same(t, cb1, cb2)

	assert.Nil(t, r.Get("other"))
	assert.NotNil(t, r.GetOrCreate("other"))
	assert.Len(t, r.Stats(), 2)
}
