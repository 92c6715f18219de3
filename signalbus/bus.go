// Package signalbus is the external entry point for spec.md §4.7: sending a
// named, typed signal to a running workflow and having it consumed on the
// workflow's next activation. It plays the role
// runtime/agent/interrupt.Controller played in the teacher — a small set of
// well-known signal names with typed payloads — but inverted: the teacher's
// Controller drains in-workflow Temporal channels a running goroutine
// blocks on, while here a signal is a persisted row an activation drains
// (drainSignals in the executor package), since workflow handlers here are
// pure functions with no goroutine of their own to block.
package signalbus

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
)

const (
	// SignalCancel is the built-in signal type Cancel sends. The executor
	// gives it no special handling: it reaches the workflow's OnSignal like
	// any other signal, and workflow code typically responds by emitting
	// FailWorkflow{Error: "cancelled"} or CancelActivity (spec.md §4.7).
	SignalCancel = "cancel"
)

// Reactivator is the slice of executor.Executor a Bus needs to trigger a
// prompt signal drain instead of waiting for the workflow's next organic
// activation.
type Reactivator interface {
	ProcessSignals(ctx context.Context, workflowID ids.ID) error
}

// Bus sends signals to running workflows. It is a thin wrapper over
// store.SignalStore plus a Reactivator: the actual consumption logic
// (append SignalReceived, invoke on_signal, mark processed) lives in
// executor.activate/drainSignals, since that is the only place a
// workflow.Workflow is ever reconstructed.
type Bus struct {
	store       store.SignalStore
	reactivator Reactivator
}

// New constructs a Bus. reactivator may be nil, in which case Send only
// persists the signal and relies on the workflow's next organic activation
// (e.g. an activity completion) to drain it.
func New(s store.SignalStore, reactivator Reactivator) *Bus {
	return &Bus{store: s, reactivator: reactivator}
}

// Send persists a signal for workflowID and, if this Bus has a
// Reactivator, immediately triggers a drain so the signal is consumed
// without waiting on unrelated activity traffic.
func (b *Bus) Send(ctx context.Context, workflowID ids.ID, signalType string, payload json.RawMessage) (ids.ID, error) {
	id, err := b.store.SendSignal(ctx, store.Signal{WorkflowID: workflowID, SignalType: signalType, Payload: payload})
	if err != nil {
		return ids.Nil, fmt.Errorf("signalbus: send %s: %w", signalType, err)
	}
	if b.reactivator != nil {
		if err := b.reactivator.ProcessSignals(ctx, workflowID); err != nil {
			return id, fmt.Errorf("signalbus: drain after send: %w", err)
		}
	}
	return id, nil
}

// Cancel sends the built-in cancel signal (spec.md §4.7).
func (b *Bus) Cancel(ctx context.Context, workflowID ids.ID) (ids.ID, error) {
	return b.Send(ctx, workflowID, SignalCancel, json.RawMessage(`{}`))
}
