// Package eventlog defines the append-only per-workflow event log: the sole
// source of truth the Executor replays to reconstruct workflow state. Event
// kinds carry a JSON discriminator tag so old readers stay forward-compatible
// with new event variants, the same tagged-payload pattern the teacher used
// for hook events in runlog.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/durableflow/ids"
)

// Kind discriminates the event variants a WorkflowEvent's Payload carries.
type Kind string

// The full set of event kinds named in the data model: workflow lifecycle,
// activity lifecycle, timers, signals, and child workflows.
const (
	KindWorkflowStarted   Kind = "workflow_started"
	KindWorkflowCompleted Kind = "workflow_completed"
	KindWorkflowFailed    Kind = "workflow_failed"
	KindWorkflowCancelled Kind = "workflow_cancelled"

	KindActivityScheduled Kind = "activity_scheduled"
	KindActivityStarted   Kind = "activity_started"
	KindActivityCompleted Kind = "activity_completed"
	KindActivityFailed    Kind = "activity_failed"
	KindActivityTimedOut  Kind = "activity_timed_out"
	KindActivityCancelled Kind = "activity_cancelled"

	KindTimerStarted Kind = "timer_started"
	KindTimerFired   Kind = "timer_fired"
	KindTimerCancelled Kind = "timer_cancelled"

	KindSignalReceived Kind = "signal_received"

	KindChildWorkflowStarted   Kind = "child_workflow_started"
	KindChildWorkflowCompleted Kind = "child_workflow_completed"
	KindChildWorkflowFailed    Kind = "child_workflow_failed"

	// KindUnknown is never written; it is the decode result for a
	// discriminator value this build does not recognize, so that a replay
	// can transition the workflow into a dedicated failure state instead of
	// silently skipping the event or crashing.
	KindUnknown Kind = "unknown"
)

// IsTerminal reports whether a kind ends a workflow's event stream. No event
// may ever be appended after one of these.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindWorkflowCompleted, KindWorkflowFailed, KindWorkflowCancelled:
		return true
	default:
		return false
	}
}

// TraceContext carries the W3C-style trace propagation fields stored
// alongside each event, so spans started by a later activation of the same
// workflow can be linked back to the event that produced them.
type TraceContext struct {
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Event is a single immutable entry in a workflow's append-only log.
//
// (WorkflowID, Sequence) is unique; sequences are dense and start at 0 with
// no gaps. The first event for any workflow is always WorkflowStarted.
type Event struct {
	WorkflowID ids.ID          `json:"workflow_id"`
	Sequence   int64           `json:"sequence_num"`
	Kind       Kind            `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	Trace      *TraceContext   `json:"trace,omitempty"`
}

// Decode unmarshals the event's payload into v. Callers typically switch on
// Kind first and pass the matching payload type's pointer.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEvent constructs an Event by marshaling payload to canonical JSON.
func NewEvent(workflowID ids.ID, sequence int64, kind Kind, payload any, trace *TraceContext) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: marshal %s payload: %w", kind, err)
	}
	return Event{
		WorkflowID: workflowID,
		Sequence:   sequence,
		Kind:       kind,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
		Trace:      trace,
	}, nil
}

// Page is a forward page of a workflow's event log, mirroring the teacher's
// runlog.Page cursor-pagination shape.
type Page struct {
	// Events are ordered oldest-first (ascending sequence).
	Events []Event
	// NextCursor is the cursor for the next page; empty when exhausted.
	NextCursor string
}
