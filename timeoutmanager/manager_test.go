package timeoutmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/store/memory"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/timeoutmanager"
	"goa.design/durableflow/workflow"
)

func retryableTask(wfID ids.ID, opts workflow.ActivityOptions) store.Task {
	opts.RetryPolicy = workflow.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Second, BackoffCoefficient: 2}
	return store.NewTask(ids.New(), wfID, workflow.ScheduleActivity{ID: "a", Type: "echo", Options: opts})
}

func newManager(s *memory.Store) *timeoutmanager.Manager {
	// No reactivator: these tests only exercise task-queue-level timeout
	// bookkeeping, not a real workflow log, so there is nothing to
	// reactivate.
	return timeoutmanager.New(s, nil, timeoutmanager.Config{
		TickInterval:     10 * time.Millisecond,
		HeartbeatTimeout: 50 * time.Millisecond,
	}, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())
}

func TestSweepFailsScheduleToStartTimeout(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	wfID := ids.New()

	task := retryableTask(wfID, workflow.ActivityOptions{ScheduleToStartTimeout: time.Millisecond})
	require.NoError(t, s.EnqueueTask(ctx, task))

	time.Sleep(5 * time.Millisecond)

	m := newManager(s)
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = m.Run(runCtx); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status, "max_attempts=3 and only one attempt recorded, so it is retried rather than killed")
	assert.Equal(t, 1, got.Attempt)
	assert.Contains(t, got.LastError, "schedule_to_start")
}

func TestSweepFailsStartToCloseTimeout(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	wfID := ids.New()

	task := retryableTask(wfID, workflow.ActivityOptions{StartToCloseTimeout: time.Millisecond})
	require.NoError(t, s.EnqueueTask(ctx, task))
	claimed, err := s.Claim(ctx, "worker-1", []string{"echo"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(5 * time.Millisecond)

	m := newManager(s)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = m.Run(runCtx); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "start_to_close")
}

func TestSweepReclaimsStaleHeartbeatWithoutIncrementingAttempt(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	wfID := ids.New()

	task := retryableTask(wfID, workflow.ActivityOptions{})
	require.NoError(t, s.EnqueueTask(ctx, task))
	claimed, err := s.Claim(ctx, "worker-1", []string{"echo"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempt)

	m := newManager(s)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = m.Run(runCtx); close(done) }()
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempt, "reclaiming a lost lease must not count as a failed attempt")
	assert.Nil(t, got.ClaimedBy)
}
