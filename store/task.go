// Package store defines the EventStore contract: typed persistence for
// workflow instances, tasks, the DLQ, circuit breaker state, workers, and
// signals (spec.md §4.2). store/postgres is the pgx-backed implementation;
// store/memory backs unit tests.
package store

import (
	"encoding/json"
	"time"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/workflow"
)

// TaskStatus is a task queue row's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskDead      TaskStatus = "dead"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a row in the task queue (spec.md §3).
//
// Invariant: Status == TaskClaimed implies ClaimedBy and HeartbeatAt are
// both non-nil.
type Task struct {
	ID           ids.ID
	WorkflowID   ids.ID
	ActivityID   string // unique within the workflow
	ActivityType string
	Input        json.RawMessage
	Options      workflow.ActivityOptions
	Status       TaskStatus
	Priority     int32
	ScheduledAt  time.Time
	VisibleAt    time.Time
	ClaimedBy    *string
	ClaimedAt    *time.Time
	HeartbeatAt  *time.Time
	Attempt      int
	MaxAttempts  int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTask constructs a pending task from a ScheduleActivity action.
func NewTask(id, workflowID ids.ID, action workflow.ScheduleActivity) Task {
	now := time.Now().UTC()
	maxAttempts := action.Options.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Task{
		ID:           id,
		WorkflowID:   workflowID,
		ActivityID:   action.ID,
		ActivityType: action.Type,
		Input:        action.Input,
		Options:      action.Options,
		Status:       TaskPending,
		Priority:     action.Options.Priority,
		ScheduledAt:  now,
		VisibleAt:    now,
		Attempt:      0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// FailOutcome is the routing decision fail_task returns (spec.md §4.2).
type FailOutcome string

const (
	// OutcomeRetry means the task was reset to pending with a future
	// visible_at computed from the task's RetryPolicy.
	OutcomeRetry FailOutcome = "retry"
	// OutcomeDead means attempts are exhausted; the row was copied to the
	// DLQ and marked dead.
	OutcomeDead FailOutcome = "dead"
	// OutcomeNonRetryable means the error matched the task's
	// non_retryable_errors list; the row went straight to the DLQ.
	OutcomeNonRetryable FailOutcome = "non_retryable"
)

// DlqEntry is a dead-lettered task (spec.md §3).
type DlqEntry struct {
	ID             ids.ID
	OriginalTaskID ids.ID
	WorkflowID     ids.ID
	ActivityID     string
	Input          json.RawMessage
	Attempt        int
	LastError      string
	ErrorHistory   []string
	DeadAt         time.Time
	RequeuedAt     *time.Time
	RequeueCount   int
}

// WorkerStatus is a worker registry row's lifecycle state.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerDraining WorkerStatus = "draining"
	WorkerStopped  WorkerStatus = "stopped"
)

// Worker is a row in the worker registry (spec.md §3).
//
// Invariant: CurrentLoad <= MaxConcurrency.
type Worker struct {
	ID               string
	Group            string
	ActivityTypes    []string
	MaxConcurrency   int
	CurrentLoad      int
	Status           WorkerStatus
	StartedAt        time.Time
	LastHeartbeatAt  time.Time
	AcceptingTasks   bool
	BackpressureReason string
	Hostname         string
	Version          string
}

// Signal is a row in the signals table (spec.md §3).
type Signal struct {
	ID          ids.ID
	WorkflowID  ids.ID
	SignalType  string
	Payload     json.RawMessage
	SentAt      time.Time
	ProcessedAt *time.Time
	Sequence    int64
}
