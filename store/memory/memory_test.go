package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/store/memory"
	"goa.design/durableflow/workflow"
)

func testTask(wfID ids.ID, maxAttempts int) store.Task {
	return store.NewTask(ids.New(), wfID, workflow.ScheduleActivity{
		ID:   "a",
		Type: "echo",
		Options: workflow.ActivityOptions{
			RetryPolicy: workflow.RetryPolicy{MaxAttempts: maxAttempts, InitialInterval: time.Millisecond, MaxInterval: time.Second, BackoffCoefficient: 2},
		},
	})
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()
	task := testTask(wfID, 3)
	require.NoError(t, s.EnqueueTask(ctx, task))

	var wg sync.WaitGroup
	claimedCount := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.Claim(ctx, "worker", []string{"echo"}, 1)
			require.NoError(t, err)
			claimedCount[i] = len(claimed)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range claimedCount {
		total += c
	}
	assert.Equal(t, 1, total, "exactly one claimer should succeed for the single task")
}

func TestFailTaskRoutesToDeadOnExhaustion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()
	task := testTask(wfID, 1)
	require.NoError(t, s.EnqueueTask(ctx, task))

	claimed, err := s.Claim(ctx, "worker", []string{"echo"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempt)

	outcome, visibleAt, err := s.FailTask(ctx, claimed[0].ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDead, outcome)
	assert.Nil(t, visibleAt)

	final, err := s.GetTask(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDead, final.Status)

	dlq, _, err := s.ListDlq(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, claimed[0].ID, dlq[0].OriginalTaskID)
}

func TestFailTaskRetriesWithinBudget(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()
	task := testTask(wfID, 3)
	require.NoError(t, s.EnqueueTask(ctx, task))

	claimed, err := s.Claim(ctx, "worker", []string{"echo"}, 1)
	require.NoError(t, err)

	outcome, visibleAt, err := s.FailTask(ctx, claimed[0].ID, "transient")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeRetry, outcome)
	require.NotNil(t, visibleAt)
	assert.True(t, visibleAt.After(time.Now().UTC().Add(-time.Second)))

	retried, err := s.GetTask(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, retried.Status)
	assert.Equal(t, 1, retried.Attempt, "attempt count persists across a retry reset")
}

func TestAttemptNeverExceedsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()
	task := testTask(wfID, 2)
	require.NoError(t, s.EnqueueTask(ctx, task))

	for i := 0; i < 2; i++ {
		claimed, err := s.Claim(ctx, "worker", []string{"echo"}, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.LessOrEqual(t, claimed[0].Attempt, claimed[0].MaxAttempts)
		_, _, err = s.FailTask(ctx, claimed[0].ID, "boom")
		require.NoError(t, err)
		// Let the retry backoff (2ms for attempt 2) elapse before reclaiming.
		time.Sleep(10 * time.Millisecond)
	}

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDead, final.Status)
	assert.LessOrEqual(t, final.Attempt, final.MaxAttempts)
}

func TestReclaimStaleResetsWithoutIncrementingAttempt(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()
	task := testTask(wfID, 3)
	require.NoError(t, s.EnqueueTask(ctx, task))

	claimed, err := s.Claim(ctx, "worker-a", []string{"echo"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed[0].Attempt)

	time.Sleep(5 * time.Millisecond)
	count, err := s.ReclaimStale(ctx, time.Millisecond, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reclaimed, err := s.GetTask(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.Attempt, "reclaim is a lease reset, not a failed attempt")

	claimedAgain, err := s.Claim(ctx, "worker-b", []string{"echo"}, 1)
	require.NoError(t, err)
	require.Len(t, claimedAgain, 1)
	assert.Equal(t, 2, claimedAgain[0].Attempt)
}

func TestSignalsDeliveredInSendOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	wfID := ids.New()

	for i := 0; i < 3; i++ {
		_, err := s.SendSignal(ctx, store.Signal{WorkflowID: wfID, SignalType: "note", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	pending, err := s.PendingSignals(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(0), pending[0].Sequence)
	assert.Equal(t, int64(1), pending[1].Sequence)
	assert.Equal(t, int64(2), pending[2].Sequence)
}

func TestBackpressureZeroClaimsWhenNotAccepting(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.RegisterWorker(ctx, store.Worker{ID: "w1", MaxConcurrency: 1, Status: store.WorkerActive}))
	require.NoError(t, s.UpdateWorkerHeartbeat(ctx, "w1", 1, false, "high_watermark"))

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, w.AcceptingTasks)
}
