package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, func() error { return errDown }), errDown)
	require.ErrorIs(t, cb.Execute(ctx, func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	badOutput := errors.New("malformed json")
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, badOutput) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return badOutput })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		MaxRequests:      1,
		Timeout:          10 * time.Second,
	})
	cb.now = func() time.Time { return now }
	cb.toNewGeneration(now)

	_ = cb.Execute(context.Background(), func() error { return errDown })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancelledCallerDoesNotCount(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().TotalFailures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
