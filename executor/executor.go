// Package executor implements the WorkflowExecutor: the deterministic
// replay-and-activate loop spec.md §4.1 describes. It is the only package
// that ever constructs a workflow.Workflow from persisted state and calls
// its On* handlers; everything upstream (workerpool, signalbus, admin) goes
// through the entry points here instead of touching eventlog/store directly.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/durableflow/enginerr"
	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/workflow"
)

// TimerActivityType is the reserved activity_type StartTimer actions are
// enqueued under. A dedicated internal claimant (wired by engine/durable)
// claims these and completes them the instant they become visible, turning
// the task queue's existing visible_at scheduling into durable timers
// without a separate timers table.
const TimerActivityType = "__timer__"

// DefaultMaxLockRetries bounds how many times withRetry retries a whole
// activation after losing the optimistic-concurrency race on Append
// (spec.md §4.1: "resolved by optimistic-lock retry with a cap").
const DefaultMaxLockRetries = 5

// ReplayMode controls how translateActions decides that a replayed
// ScheduleActivity action disagrees with what the persisted log already
// recorded for that activity id.
type ReplayMode int

const (
	// ReplayStrict, the zero value and default, compares a replayed
	// ScheduleActivity's type and input against the logged one by
	// structural JSON equality with type coercion (numeric/string duals):
	// benign re-serialization (map key order, a trailing float zero) does
	// not trip a false DeterminismViolation, but a genuine change in
	// shape or value does.
	ReplayStrict ReplayMode = iota
	// ReplayIDsOnly compares only the activity id, skipping the
	// type/input comparison entirely. For workflow types under active
	// development where ReplayStrict's payload check is too fragile.
	ReplayIDsOnly
)

// Executor drives workflow state machines deterministically against a
// store.EventStore, per spec.md §4.1.
type Executor struct {
	store          store.EventStore
	registry       *workflow.Registry
	logger         telemetry.Logger
	metrics        telemetry.Metrics
	tracer         telemetry.Tracer
	maxLockRetries int
	replayMode     ReplayMode

	now func() time.Time
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithReplayMode overrides the default ReplayStrict comparison used to
// detect a replayed ScheduleActivity that disagrees with the persisted log.
func WithReplayMode(mode ReplayMode) Option {
	return func(e *Executor) { e.replayMode = mode }
}

// New constructs an Executor. logger/metrics/tracer are typically
// telemetry.NoopLogger/NoopMetrics/NoopTracer in tests.
func New(s store.EventStore, registry *workflow.Registry, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts ...Option) *Executor {
	e := &Executor{
		store:          s,
		registry:       registry,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		maxLockRetries: DefaultMaxLockRetries,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWorkflow creates a new workflow instance and runs its first
// activation (the OnStart stimulus).
func (e *Executor) StartWorkflow(ctx context.Context, id ids.ID, workflowType string, input json.RawMessage) (*workflow.Instance, error) {
	if _, ok := e.registry.Lookup(workflowType); !ok {
		return nil, &workflow.UnregisteredTypeError{WorkflowType: workflowType}
	}
	inst := workflow.NewInstance(id, workflowType, input, nil)

	err := e.withRetry(ctx, func(ctx context.Context, tx store.EventStore) error {
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		wf, err := e.registry.New(workflowType, input)
		if err != nil {
			return err
		}
		startEvent, err := eventlog.NewEvent(id, 0, eventlog.KindWorkflowStarted,
			eventlog.WorkflowStartedPayload{WorkflowType: workflowType, Input: input}, nil)
		if err != nil {
			return err
		}
		if err := tx.Append(ctx, startEvent); err != nil {
			return err
		}
		actions, err := wf.OnStart()
		if err != nil {
			return fmt.Errorf("executor: on_start: %w", err)
		}
		priorEvents := []eventlog.Event{startEvent}
		seq := int64(1)
		translated, err := e.translateActions(ctx, tx, inst, priorEvents, seq, actions)
		if err != nil {
			if errors.Is(err, errDeterminismMismatch) {
				return e.failDeterminism(ctx, tx, inst, err)
			}
			return err
		}
		seq += int64(len(translated))
		drained, err := e.drainSignals(ctx, tx, inst, priorEvents, wf, seq)
		if err != nil {
			return err
		}
		newEvents := append(translated, drained...)
		if len(newEvents) == 0 {
			return nil
		}
		if err := tx.AppendBatch(ctx, newEvents); err != nil {
			return err
		}
		e.metrics.IncCounter("executor.activation", 1, "workflow_type", inst.WorkflowType)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ActivityCompleted activates workflowID with the result of a previously
// scheduled activity. The stimulus itself is logged as an ActivityCompleted
// event before the handler runs, so replay sees exactly what this
// activation saw.
func (e *Executor) ActivityCompleted(ctx context.Context, workflowID ids.ID, activityID string, result json.RawMessage, attempt int) error {
	return e.activate(ctx, workflowID, stimulus{
		newEvent: func(wfID ids.ID, seq int64) (eventlog.Event, error) {
			return eventlog.NewEvent(wfID, seq, eventlog.KindActivityCompleted,
				eventlog.ActivityCompletedPayload{ActivityID: activityID, Result: result, Attempt: attempt}, nil)
		},
		dispatch: func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnActivityCompleted(activityID, result)
		},
	})
}

// ActivityFailed activates workflowID with a previously scheduled
// activity's terminal failure. Only call this once the activity's attempts
// are exhausted or it failed non-retryably: a will-retry failure must go
// through RecordTransientFailure instead, which logs the attempt without
// invoking OnActivityFailed (workflow.Workflow's contract).
func (e *Executor) ActivityFailed(ctx context.Context, workflowID ids.ID, activityID string, errMsg string, attempt int) error {
	return e.activate(ctx, workflowID, stimulus{
		newEvent: func(wfID ids.ID, seq int64) (eventlog.Event, error) {
			return eventlog.NewEvent(wfID, seq, eventlog.KindActivityFailed,
				eventlog.ActivityFailedPayload{ActivityID: activityID, Error: errMsg, Attempt: attempt, WillRetry: false}, nil)
		},
		dispatch: func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnActivityFailed(activityID, errMsg)
		},
	})
}

// TimerFired activates workflowID with a previously started timer's
// expiration.
func (e *Executor) TimerFired(ctx context.Context, workflowID ids.ID, timerID string) error {
	return e.activate(ctx, workflowID, stimulus{
		newEvent: func(wfID ids.ID, seq int64) (eventlog.Event, error) {
			return eventlog.NewEvent(wfID, seq, eventlog.KindTimerFired, eventlog.TimerFiredPayload{TimerID: timerID}, nil)
		},
		dispatch: func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnTimerFired(timerID)
		},
	})
}

// ActivityStarted logs a worker claiming a previously scheduled activity.
// It invokes no handler: only ActivityCompleted/ActivityFailed change
// workflow state.
func (e *Executor) ActivityStarted(ctx context.Context, workflowID ids.ID, activityID, workerID string, attempt int) error {
	return e.logOnly(ctx, workflowID, func(seq int64) (eventlog.Event, error) {
		return eventlog.NewEvent(workflowID, seq, eventlog.KindActivityStarted,
			eventlog.ActivityStartedPayload{ActivityID: activityID, WorkerID: workerID, Attempt: attempt}, nil)
	})
}

// RecordTransientFailure logs an attempt that will be retried. Per
// workflow.Workflow's contract, a will-retry failure never reaches
// OnActivityFailed.
func (e *Executor) RecordTransientFailure(ctx context.Context, workflowID ids.ID, activityID, errMsg string, attempt int) error {
	return e.logOnly(ctx, workflowID, func(seq int64) (eventlog.Event, error) {
		return eventlog.NewEvent(workflowID, seq, eventlog.KindActivityFailed,
			eventlog.ActivityFailedPayload{ActivityID: activityID, Error: errMsg, Attempt: attempt, WillRetry: true}, nil)
	})
}

// ActivityTimedOut records a schedule-to-start or start-to-close timeout
// (spec.md §4.5) and routes it the same way any other attempt outcome is
// routed: RecordTransientFailure if attempts remain, ActivityFailed once
// they don't.
func (e *Executor) ActivityTimedOut(ctx context.Context, workflowID ids.ID, activityID string, kind enginerr.TimeoutKind, attempt int, willRetry bool, errMsg string) error {
	if err := e.logOnly(ctx, workflowID, func(seq int64) (eventlog.Event, error) {
		return eventlog.NewEvent(workflowID, seq, eventlog.KindActivityTimedOut,
			eventlog.ActivityTimedOutPayload{ActivityID: activityID, Kind: kind.String(), Attempt: attempt}, nil)
	}); err != nil {
		return err
	}
	if willRetry {
		return e.RecordTransientFailure(ctx, workflowID, activityID, errMsg, attempt)
	}
	return e.ActivityFailed(ctx, workflowID, activityID, errMsg, attempt)
}

// ProcessSignals activates workflowID purely to drain whatever signals are
// pending for it (spec.md §4.7), for callers (signalbus) with no other
// stimulus to deliver alongside.
func (e *Executor) ProcessSignals(ctx context.Context, workflowID ids.ID) error {
	return e.activate(ctx, workflowID, stimulus{})
}

// stimulus is one activation's triggering event: newEvent builds the log
// entry recording the stimulus itself (nil if this activation has none of
// its own, e.g. a bare signal drain), dispatch invokes the matching handler
// (nil if no handler call is needed).
type stimulus struct {
	newEvent func(workflowID ids.ID, seq int64) (eventlog.Event, error)
	dispatch func(wf workflow.Workflow) ([]workflow.Action, error)
}

// activate is the common shape behind every non-Start stimulus: replay,
// log the stimulus, apply its handler, drain signals, commit — all inside
// one retried transaction (spec.md §4.1 steps 1-5).
func (e *Executor) activate(ctx context.Context, workflowID ids.ID, stim stimulus) error {
	err := e.withRetry(ctx, func(ctx context.Context, tx store.EventStore) error {
		inst, err := tx.GetInstance(ctx, workflowID)
		if err != nil {
			return err
		}
		events, err := tx.Load(ctx, workflowID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("executor: workflow %s has no events to replay", workflowID)
		}
		if events[len(events)-1].Kind.IsTerminal() {
			e.logger.Debug(ctx, "executor: dropping stimulus on terminal workflow", "workflow_id", workflowID.String())
			return nil
		}

		wf, err := e.registry.New(inst.WorkflowType, inst.Input)
		if err != nil {
			return err
		}
		if err := replay(wf, events); err != nil {
			return e.failDeterminism(ctx, tx, inst, err)
		}

		seq := int64(len(events))
		var newEvents []eventlog.Event
		if stim.newEvent != nil {
			stimEvent, err := stim.newEvent(inst.ID, seq)
			if err != nil {
				return err
			}
			newEvents = append(newEvents, stimEvent)
			seq++
		}

		var actions []workflow.Action
		if stim.dispatch != nil {
			actions, err = stim.dispatch(wf)
			if err != nil {
				return fmt.Errorf("executor: handler: %w", err)
			}
		}

		translated, err := e.translateActions(ctx, tx, inst, events, seq, actions)
		if err != nil {
			if errors.Is(err, errDeterminismMismatch) {
				return e.failDeterminism(ctx, tx, inst, err)
			}
			return err
		}
		newEvents = append(newEvents, translated...)
		seq += int64(len(translated))

		drained, err := e.drainSignals(ctx, tx, inst, events, wf, seq)
		if err != nil {
			return err
		}
		newEvents = append(newEvents, drained...)

		if len(newEvents) == 0 {
			return nil
		}
		if err := tx.AppendBatch(ctx, newEvents); err != nil {
			return err
		}
		e.metrics.IncCounter("executor.activation", 1, "workflow_type", inst.WorkflowType)
		return nil
	})
	if err != nil && enginerr.KindOf(err) == enginerr.KindDeterminismViolation {
		// A transactional store rolls back failDeterminism's status update
		// along with the failed activation, so persist it outside the tx.
		if uerr := e.store.UpdateInstanceStatus(ctx, workflowID, workflow.StatusFailed, nil, err.Error()); uerr != nil {
			return errors.Join(err, uerr)
		}
	}
	return err
}

// logOnly appends a single event to workflowID's log without replaying or
// invoking any handler: for events that are pure audit trail (a worker
// claiming a task, a will-retry failure) and never change workflow state.
func (e *Executor) logOnly(ctx context.Context, workflowID ids.ID, newEvent func(seq int64) (eventlog.Event, error)) error {
	return e.withRetry(ctx, func(ctx context.Context, tx store.EventStore) error {
		events, err := tx.Load(ctx, workflowID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("executor: workflow %s has no events to replay", workflowID)
		}
		if events[len(events)-1].Kind.IsTerminal() {
			e.logger.Debug(ctx, "executor: dropping stimulus on terminal workflow", "workflow_id", workflowID.String())
			return nil
		}
		ev, err := newEvent(int64(len(events)))
		if err != nil {
			return err
		}
		return tx.Append(ctx, ev)
	})
}

// drainSignals consumes every pending signal for inst in send order,
// invoking OnSignal and folding its actions into the same activation
// (spec.md §4.7).
func (e *Executor) drainSignals(ctx context.Context, tx store.EventStore, inst *workflow.Instance, priorEvents []eventlog.Event, wf workflow.Workflow, seq int64) ([]eventlog.Event, error) {
	pending, err := tx.PendingSignals(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	var out []eventlog.Event
	for _, sig := range pending {
		envelope := workflow.SignalEnvelope{SignalID: sig.ID, SignalType: sig.SignalType, Payload: sig.Payload, Sequence: sig.Sequence}
		ev, err := eventlog.NewEvent(inst.ID, seq, eventlog.KindSignalReceived,
			eventlog.SignalReceivedPayload{SignalID: sig.ID, SignalType: sig.SignalType, Payload: sig.Payload, Sequence: sig.Sequence}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		seq++

		actions, err := wf.OnSignal(envelope)
		if err != nil {
			return nil, fmt.Errorf("executor: on_signal: %w", err)
		}
		more, err := e.translateActions(ctx, tx, inst, priorEvents, seq, actions)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
		seq += int64(len(more))

		if err := tx.MarkSignalProcessed(ctx, sig.ID, e.now()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// failDeterminism transitions a workflow to failed with
// enginerr.KindDeterminismViolation after replay disagrees with the
// persisted log (spec.md §4.1's "fatal for that workflow" clause).
func (e *Executor) failDeterminism(ctx context.Context, tx store.EventStore, inst *workflow.Instance, cause error) error {
	engErr := enginerr.Wrap(enginerr.KindDeterminismViolation, cause, "replay disagreed with persisted log")
	e.logger.Error(ctx, "executor: determinism violation", "workflow_id", inst.ID.String(), "error", engErr)
	if err := tx.UpdateInstanceStatus(ctx, inst.ID, workflow.StatusFailed, nil, engErr.Error()); err != nil {
		return err
	}
	return engErr
}

// withRetry runs fn inside store.WithTx, retrying the whole activation on
// eventlog.ErrSequenceConflict up to maxLockRetries times (spec.md §4.1:
// "another activator must have acted first").
func (e *Executor) withRetry(ctx context.Context, fn func(ctx context.Context, tx store.EventStore) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxLockRetries; attempt++ {
		err := e.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, eventlog.ErrSequenceConflict) {
			return err
		}
		e.metrics.IncCounter("executor.lock_retry", 1)
	}
	return enginerr.Wrap(enginerr.KindTransient, lastErr, "activation exceeded optimistic-lock retry cap")
}
