// Package workflow defines the WorkflowInstance entity, the Action/handler
// contract a workflow implementation must satisfy, and the type registry the
// executor uses to instantiate workflows by name. It is the domain model the
// executor package replays against; it has no knowledge of Postgres, the
// task queue, or any particular Engine backend.
package workflow

import (
	"encoding/json"
	"time"

	"goa.design/durableflow/ids"
)

// Status is a WorkflowInstance's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status is final; terminal statuses are never
// mutated once set (spec.md §3 invariant).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Instance is the persisted record of one workflow execution.
//
// Invariant: CompletedAt is non-nil iff Status is terminal.
type Instance struct {
	ID           ids.ID          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Trace        *TraceContext   `json:"trace,omitempty"`
}

// TraceContext mirrors eventlog.TraceContext so the workflow package stays
// independent of eventlog (avoiding an import cycle: eventlog payloads never
// need to reference workflow.Instance).
type TraceContext struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewInstance constructs a pending Instance for a freshly-started workflow.
func NewInstance(id ids.ID, workflowType string, input json.RawMessage, trace *TraceContext) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:           id,
		WorkflowType: workflowType,
		Status:       StatusPending,
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
		Trace:        trace,
	}
}
