package eventlog

import (
	"context"
	"errors"

	"goa.design/durableflow/ids"
)

// ErrSequenceConflict is returned by Append when the log already has events
// at or beyond the caller's expected sequence, meaning another activator won
// the race. Callers retry the whole activation rather than this call alone.
var ErrSequenceConflict = errors.New("eventlog: sequence conflict")

// Store is the append-only event log contract the Executor drives. It is
// the per-workflow analogue of the teacher's runlog.Store, generalized from
// run-scoped hook events to workflow-scoped, sequence-numbered events with
// optimistic-concurrency appends.
type Store interface {
	// Append persists event at event.Sequence, failing with
	// ErrSequenceConflict if the log's current length for event.WorkflowID
	// is not exactly event.Sequence (i.e. expected_sequence = N from
	// spec §4.1 step 4). Implementations must make this check and the
	// insert atomic.
	Append(ctx context.Context, event Event) error

	// AppendBatch persists multiple events for the same workflow in a
	// single atomic operation, starting at the first event's Sequence. Used
	// by the Executor to commit all of an activation's resulting events
	// together.
	AppendBatch(ctx context.Context, events []Event) error

	// Load returns the full ordered event log for a workflow, for replay.
	Load(ctx context.Context, workflowID ids.ID) ([]Event, error)

	// List returns a forward cursor page of a workflow's events, for
	// external introspection (the AdminSurface's event-log endpoint).
	List(ctx context.Context, workflowID ids.ID, cursor string, limit int) (Page, error)

	// LatestSequence returns the sequence number of the last event appended
	// for workflowID, or -1 if the workflow has no events yet.
	LatestSequence(ctx context.Context, workflowID ids.ID) (int64, error)
}
