// Package timeoutmanager runs the periodic sweep that turns the passage of
// time into task-queue state transitions: schedule-to-start and
// start-to-close deadlines become failures, and stale heartbeats become
// reclaimed tasks (spec.md §4.5). It owns no workflow logic; it only
// drives store.TaskQueueStore transitions and reports timed-out tasks to
// its Reactivator.
package timeoutmanager

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"goa.design/durableflow/enginerr"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
)

// Reactivator is the slice of executor.Executor the timeout manager needs:
// turning a timed-out task into a workflow activation. It's an interface
// here rather than a direct executor import so the two packages can be
// built and tested independently.
type Reactivator interface {
	ActivityTimedOut(ctx context.Context, workflowID ids.ID, activityID string, kind enginerr.TimeoutKind, attempt int, willRetry bool, errMsg string) error
}

// Manager sweeps the task queue for timed-out and stale-heartbeat tasks on
// a fixed tick.
type Manager struct {
	store       store.TaskQueueStore
	reactivator Reactivator
	cfg         Config
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	tracer      telemetry.Tracer
	limiter     *rate.Limiter

	now func() time.Time
}

// New constructs a Manager. logger/metrics/tracer may be nil's noop
// counterparts supplied by the caller; Manager never constructs its own
// fallbacks, matching the rest of the engine's dependency-injected
// telemetry. reactivator is the executor.Executor the manager notifies once
// a task is failed, so the owning workflow is reactivated instead of the
// task queue and the workflow log silently drifting apart.
func New(taskStore store.TaskQueueStore, reactivator Reactivator, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:       taskStore,
		reactivator: reactivator,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		limiter:     rate.NewLimiter(rate.Every(cfg.TickInterval), cfg.SweepBurst),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, sweeping every cfg.TickInterval until ctx is cancelled. It
// never returns an error on its own; sweep failures are logged and the
// loop continues, since a single failed sweep pass must not take down the
// whole timeout manager.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			m.sweep(ctx)
		}
	}
}

// sweep runs the three timeout responsibilities once. Each is independent;
// a failure in one does not block the others.
func (m *Manager) sweep(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "timeoutmanager.sweep")
	defer span.End()

	now := m.now()
	m.sweepScheduleToStart(ctx, now)
	m.sweepStartToClose(ctx, now)
	m.sweepHeartbeats(ctx, now)
}

func (m *Manager) sweepScheduleToStart(ctx context.Context, now time.Time) {
	tasks, err := m.store.FindScheduleToStartTimedOut(ctx, now)
	if err != nil {
		m.logger.Error(ctx, "timeoutmanager: find schedule-to-start timed out", "error", err)
		return
	}
	for _, task := range tasks {
		m.failTimedOut(ctx, task, enginerr.TimeoutScheduleToStart)
	}
	if len(tasks) > 0 {
		m.metrics.IncCounter("timeoutmanager.schedule_to_start_timeout", float64(len(tasks)))
	}
}

func (m *Manager) sweepStartToClose(ctx context.Context, now time.Time) {
	tasks, err := m.store.FindStartToCloseTimedOut(ctx, now)
	if err != nil {
		m.logger.Error(ctx, "timeoutmanager: find start-to-close timed out", "error", err)
		return
	}
	for _, task := range tasks {
		m.failTimedOut(ctx, task, enginerr.TimeoutStartToClose)
	}
	if len(tasks) > 0 {
		m.metrics.IncCounter("timeoutmanager.start_to_close_timeout", float64(len(tasks)))
	}
}

func (m *Manager) sweepHeartbeats(ctx context.Context, now time.Time) {
	n, err := m.store.ReclaimStale(ctx, m.cfg.HeartbeatTimeout, now)
	if err != nil {
		m.logger.Error(ctx, "timeoutmanager: reclaim stale heartbeats", "error", err)
		return
	}
	if n > 0 {
		m.logger.Warn(ctx, "timeoutmanager: reclaimed stale tasks", "count", n)
		m.metrics.IncCounter("timeoutmanager.heartbeat_reclaimed", float64(n))
	}
}

// failTimedOut routes a timed-out task through FailTask, the same
// retry-vs-dead decision point a normal activity failure goes through: a
// schedule-to-start or start-to-close timeout still respects the task's
// retry policy rather than always killing it outright. It then notifies
// the owning workflow, so the task queue and the workflow's event log never
// silently disagree about an activity's outcome.
func (m *Manager) failTimedOut(ctx context.Context, task store.Task, kind enginerr.TimeoutKind) {
	willRetry := task.Attempt < task.MaxAttempts
	engErr := enginerr.Timedout(kind, willRetry)
	outcome, _, err := m.store.FailTask(ctx, task.ID, engErr.Error())
	if err != nil {
		m.logger.Error(ctx, "timeoutmanager: fail timed out task", "task_id", task.ID.String(), "error", err)
		return
	}
	m.logger.Warn(ctx, "timeoutmanager: task timed out",
		"task_id", task.ID.String(),
		"workflow_id", task.WorkflowID.String(),
		"activity_type", task.ActivityType,
		"timeout_kind", kind.String(),
		"outcome", string(outcome),
	)
	if m.reactivator == nil {
		return
	}
	if err := m.reactivator.ActivityTimedOut(ctx, task.WorkflowID, task.ActivityID, kind, task.Attempt, willRetry, engErr.Error()); err != nil {
		m.logger.Error(ctx, "timeoutmanager: reactivate after timeout", "workflow_id", task.WorkflowID.String(), "error", err)
	}
}
