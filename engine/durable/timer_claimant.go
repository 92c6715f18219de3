package durable

import (
	"context"
	"time"

	"goa.design/durableflow/executor"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
)

// timerClaimantPollInterval is how often the claimant checks for newly
// visible timer tasks. Timers are enqueued with VisibleAt set to their
// fire time (see executor/actions.go's StartTimer translation), so a short
// fixed interval is enough without any backoff: there is no meaningful
// "empty poll" cost worth avoiding the way workerpool.Pool avoids one for
// its much larger activity_types set.
const timerClaimantPollInterval = 200 * time.Millisecond

// timerClaimantBatchSize bounds how many due timers one poll claims at
// once.
const timerClaimantBatchSize = 64

// timerReactivator is the slice of executor.Executor the claimant needs.
type timerReactivator interface {
	TimerFired(ctx context.Context, workflowID ids.ID, timerID string) error
}

// timerClaimant is the dedicated internal claimant executor.TimerActivityType's
// doc comment calls for: it claims tasks enqueued under that reserved
// activity type the instant they become visible and completes them
// immediately, turning the visible_at column into a durable timer without
// a separate timers table. It never runs through workerpool.Pool: a timer
// firing isn't a retryable unit of work with a handler to invoke, it's a
// pure clock event, so it gets its own tiny claim loop instead of an entry
// in workerpool.HandlerRegistry.
type timerClaimant struct {
	store       store.TaskQueueStore
	reactivator timerReactivator
	logger      telemetry.Logger
	claimantID  string
}

func newTimerClaimant(s store.TaskQueueStore, reactivator timerReactivator, logger telemetry.Logger, workerID string) *timerClaimant {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	claimantID := workerID
	if claimantID == "" {
		claimantID = "timer-claimant"
	} else {
		claimantID = workerID + "-timers"
	}
	return &timerClaimant{store: s, reactivator: reactivator, logger: logger, claimantID: claimantID}
}

// run polls until ctx is cancelled.
func (c *timerClaimant) run(ctx context.Context) error {
	ticker := time.NewTicker(timerClaimantPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *timerClaimant) pollOnce(ctx context.Context) {
	tasks, err := c.store.Claim(ctx, c.claimantID, []string{executor.TimerActivityType}, timerClaimantBatchSize)
	if err != nil {
		c.logger.Error(ctx, "engine/durable: claim timers", "error", err)
		return
	}
	for _, task := range tasks {
		if err := c.store.CompleteTask(ctx, task.ID, []byte("null")); err != nil {
			c.logger.Error(ctx, "engine/durable: complete timer task", "task_id", task.ID.String(), "error", err)
			continue
		}
		if err := c.reactivator.TimerFired(ctx, task.WorkflowID, task.ActivityID); err != nil {
			c.logger.Error(ctx, "engine/durable: timer fired", "workflow_id", task.WorkflowID.String(), "timer_id", task.ActivityID, "error", err)
		}
	}
}
