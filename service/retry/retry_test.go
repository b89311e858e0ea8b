package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func alwaysRetryable(error) bool { return true }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, "op", func(ctx context.Context) error {
		calls++
		return nil
	}, alwaysRetryable)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, alwaysRetryable)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	transient := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, "op", func(ctx context.Context) error {
		calls++
		return transient
	}, alwaysRetryable)

	require.Error(t, err)
	assert.Equal(t, fastPolicy.MaxAttempts, calls)
	assert.ErrorIs(t, err, transient)
	assert.Contains(t, err.Error(), "attempts exhausted")
}

func TestDo_NonRetryableSurfacesImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, "op", func(ctx context.Context) error {
		calls++
		return permanent
	}, func(error) bool { return false })

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	// Surfaced as-is, no exhaustion wrapping.
	assert.Equal(t, permanent, err)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	slow := Policy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: time.Minute}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, slow, nil, "op", func(ctx context.Context) error {
			return errors.New("transient")
		}, alwaysRetryable)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDo_ContextAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy, nil, "op", func(ctx context.Context) error {
		calls++
		return nil
	}, alwaysRetryable)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, nil, "op", func(ctx context.Context) error {
		calls++
		return nil
	}, alwaysRetryable)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
