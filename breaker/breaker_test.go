package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/breaker"
)

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	ctx := context.Background()
	store := breaker.NewMemStore()
	cfg := breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute, WindowSize: time.Hour}
	b := breaker.New(store, cfg)

	for i := 0; i < 3; i++ {
		decision, err := b.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, decision.Admitted)
		require.NoError(t, b.RecordFailure(ctx, "k"))
	}

	decision, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, decision.Admitted)

	state, err := store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, state.State)
}

func TestBreakerTransitionsThroughHalfOpenToClose(t *testing.T) {
	ctx := context.Background()
	store := breaker.NewMemStore()
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond, WindowSize: time.Hour}

	now := time.Now().UTC()
	clock := func() time.Time { return now }
	b := breaker.New(store, cfg, breaker.WithClock(clock))

	_, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, b.RecordFailure(ctx, "k"))

	state, err := store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, state.State)

	now = now.Add(20 * time.Millisecond)

	decision, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, decision.Admitted)

	state, err = store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateHalfOpen, state.State)

	require.NoError(t, b.RecordSuccess(ctx, "k"))
	state, err = store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateHalfOpen, state.State, "one success short of success_threshold=2")

	_, err = b.Allow(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, b.RecordSuccess(ctx, "k"))

	state, err = store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, state.State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	store := breaker.NewMemStore()
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Millisecond, WindowSize: time.Hour}

	now := time.Now().UTC()
	b := breaker.New(store, cfg, breaker.WithClock(func() time.Time { return now }))

	require.NoError(t, b.RecordFailure(ctx, "k"))
	now = now.Add(5 * time.Millisecond)

	decision, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, decision.Admitted)

	state, err := store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, breaker.StateHalfOpen, state.State)

	require.NoError(t, b.RecordFailure(ctx, "k"))
	state, err = store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, state.State, "a failed Half-Open trial reopens the breaker")
}

func TestBreakerHalfOpenAdmitsUpToSuccessThresholdConcurrentTrials(t *testing.T) {
	ctx := context.Background()
	store := breaker.NewMemStore()
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: time.Millisecond, WindowSize: time.Hour}

	now := time.Now().UTC()
	b := breaker.New(store, cfg, breaker.WithClock(func() time.Time { return now }))
	require.NoError(t, b.RecordFailure(ctx, "k"))
	now = now.Add(5 * time.Millisecond)

	admittedCount := 0
	for i := 0; i < 3; i++ {
		decision, err := b.Allow(ctx, "k")
		require.NoError(t, err)
		if decision.Admitted {
			admittedCount++
		}
	}
	assert.Equal(t, 3, admittedCount, "up to success_threshold concurrent trials should be admitted while half-open")

	decision, err := b.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, decision.Admitted, "a fourth concurrent trial beyond success_threshold must be rejected")
}

func TestClosedFailureCountResetsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := breaker.NewMemStore()
	cfg := breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute, WindowSize: 10 * time.Millisecond}

	now := time.Now().UTC()
	b := breaker.New(store, cfg, breaker.WithClock(func() time.Time { return now }))

	require.NoError(t, b.RecordFailure(ctx, "k"))
	require.NoError(t, b.RecordFailure(ctx, "k"))
	now = now.Add(20 * time.Millisecond)
	require.NoError(t, b.RecordFailure(ctx, "k"))

	state, err := store.LoadCircuit(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, state.State, "failure streak outside window_size must not accumulate toward threshold")
}

func TestNextRetryAtMatchesOpenedAtPlusResetTimeout(t *testing.T) {
	opened := time.Now().UTC()
	state := breaker.CircuitState{State: breaker.StateOpen, OpenedAt: &opened}
	cfg := breaker.Config{ResetTimeout: 30 * time.Second}

	retryAt := breaker.NextRetryAt(state, cfg, time.Now())
	assert.Equal(t, opened.Add(30*time.Second), retryAt)
}
