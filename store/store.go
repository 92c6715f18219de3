package store

import (
	"context"
	"errors"
	"time"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/workflow"
)

// ErrNotFound is returned by single-row lookups when no matching row
// exists.
var ErrNotFound = errors.New("store: not found")

// ErrClaimConflict is returned by Claim-adjacent writes that lost a race to
// another claimer; see Claim's own skip-locked semantics for why this is
// rare rather than the normal path.
var ErrClaimConflict = errors.New("store: claim conflict")

// InstanceStore persists WorkflowInstance rows.
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance *workflow.Instance) error
	GetInstance(ctx context.Context, id ids.ID) (*workflow.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id ids.ID, status workflow.Status, result []byte, errMsg string) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*workflow.Instance, error)
}

// InstanceFilter narrows ListInstances for the AdminSurface.
type InstanceFilter struct {
	WorkflowType string
	Status       workflow.Status
	Limit        int
	Cursor       string
}

// TaskQueueStore is the hot path: claim, heartbeat, complete, fail.
type TaskQueueStore interface {
	// EnqueueTask inserts a new pending task, typically from a
	// ScheduleActivity action.
	EnqueueTask(ctx context.Context, task Task) error

	// Claim atomically claims up to limit pending, visible tasks whose
	// ActivityType is in activityTypes, ordered by (priority DESC,
	// visible_at ASC), skipping rows already locked by other claimers
	// (spec.md §4.2). Returns the claimed tasks with Attempt already
	// incremented.
	Claim(ctx context.Context, workerID string, activityTypes []string, limit int) ([]Task, error)

	// Heartbeat updates heartbeat_at for a task still claimed by workerID,
	// returning (found, cancelRequested, error). found is false if the task
	// is no longer claimed by workerID (e.g. reclaimed after timeout).
	Heartbeat(ctx context.Context, taskID ids.ID, workerID string) (found bool, cancelRequested bool, err error)

	// CompleteTask marks a claimed task completed. The task queue does not
	// store result.
	CompleteTask(ctx context.Context, taskID ids.ID, result []byte) error

	// FailTask records a failed attempt and returns the routing outcome
	// (spec.md §4.2): the task's own RetryPolicy and non_retryable_errors
	// list (captured at schedule time) determine whether the outcome is
	// OutcomeRetry (with a computed nextVisibleAt via retry.NextDelay),
	// OutcomeDead (attempts exhausted; a DlqEntry is created), or
	// OutcomeNonRetryable (errMsg matched the non-retryable list; a
	// DlqEntry is created immediately regardless of remaining attempts).
	FailTask(ctx context.Context, taskID ids.ID, errMsg string) (FailOutcome, *time.Time, error)

	// CancelTask marks a pending or claimed task cancelled.
	CancelTask(ctx context.Context, taskID ids.ID) error

	// GetTask fetches a single task by id, for admin inspection.
	GetTask(ctx context.Context, taskID ids.ID) (Task, error)

	// ListTasks lists tasks by status/activity_type for admin inspection.
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	// TaskStats returns aggregate counts per status, for admin health.
	TaskStats(ctx context.Context) (map[TaskStatus]int64, error)

	// ReclaimStale resets claimed tasks whose heartbeat_at is older than
	// heartbeatTimeout back to pending, leaving attempt unchanged (spec.md
	// §4.5 step 3). Returns the number reclaimed.
	ReclaimStale(ctx context.Context, heartbeatTimeout time.Duration, now time.Time) (int, error)

	// FindScheduleToStartTimedOut returns pending tasks whose
	// scheduled_at+schedule_to_start_timeout has elapsed (spec.md §4.5
	// step 1).
	FindScheduleToStartTimedOut(ctx context.Context, now time.Time) ([]Task, error)

	// FindStartToCloseTimedOut returns claimed tasks whose
	// claimed_at+start_to_close_timeout has elapsed (spec.md §4.5 step 2).
	FindStartToCloseTimedOut(ctx context.Context, now time.Time) ([]Task, error)
}

// TaskFilter narrows ListTasks for the AdminSurface.
type TaskFilter struct {
	Status       TaskStatus
	ActivityType string
	Limit        int
	Cursor       string
}

// DlqStore manages dead-lettered tasks.
type DlqStore interface {
	ListDlq(ctx context.Context, limit int, cursor string) ([]DlqEntry, string, error)
	GetDlqEntry(ctx context.Context, id ids.ID) (DlqEntry, error)
	RequeueDlqEntry(ctx context.Context, id ids.ID, overrideOptions *workflow.ActivityOptions) (ids.ID, error)
	DeleteDlqEntry(ctx context.Context, id ids.ID) error
	PurgeDlqOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// WorkerStore manages the worker registry.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, w Worker) error
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool, backpressureReason string) error
	RequestDrain(ctx context.Context, workerID string) error
	GetWorker(ctx context.Context, workerID string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
	MarkStaleWorkersStopped(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error)
}

// SignalStore manages per-workflow signal delivery.
type SignalStore interface {
	SendSignal(ctx context.Context, signal Signal) (ids.ID, error)
	PendingSignals(ctx context.Context, workflowID ids.ID) ([]Signal, error)
	MarkSignalProcessed(ctx context.Context, signalID ids.ID, processedAt time.Time) error
}

// EventStore is the full persistence contract spec.md §2 assigns 20% of the
// budget to: typed persistence of instances, the per-workflow event log,
// the task queue, the DLQ, circuit breaker state, the worker registry, and
// signals. It composes eventlog.Store and breaker.Store (defined in their
// own packages, since those are independently useful) with the
// store-package-local sub-interfaces above.
type EventStore interface {
	eventlog.Store
	breaker.Store
	InstanceStore
	TaskQueueStore
	DlqStore
	WorkerStore
	SignalStore

	// WithTx runs fn inside a single database transaction; implementations
	// that aren't transactional (e.g. store/memory's Store) simply call fn
	// directly.
	// The Executor uses this to make its five-step activation protocol
	// (spec.md §4.1) atomic.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx EventStore) error) error

	// Close releases any held resources (connection pools, etc).
	Close() error
}
