package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/workflow"
)

// errUnknownEventKind is wrapped into the error replay returns when it
// meets a discriminator this build does not recognize, routed to
// failDeterminism the same as any other replay disagreement (spec.md §9's
// dedicated unknown-event failure state).
var errUnknownEventKind = errors.New("executor: unknown event kind")

// translateActions turns a handler's returned actions into log events plus
// any store side-effect (enqueueing a task, cancelling one, updating
// instance status), starting at sequence seq. priorEvents is the workflow's
// log as loaded at the start of this activation; it's consulted to detect
// replayed/duplicate action ids (idempotent replay), determinism-violation
// mismatches, and the task id a CancelActivity needs to resolve.
func (e *Executor) translateActions(ctx context.Context, tx store.EventStore, inst *workflow.Instance, priorEvents []eventlog.Event, seq int64, actions []workflow.Action) ([]eventlog.Event, error) {
	var out []eventlog.Event
	for _, action := range actions {
		switch a := action.(type) {
		case workflow.NoAction:
			continue

		case workflow.ScheduleActivity:
			dup, err := findScheduledActivity(priorEvents, a.ID)
			if err != nil {
				return nil, err
			}
			if dup {
				if scheduleActivityMismatch(priorEvents, a, e.replayMode) {
					return nil, fmt.Errorf("%w: ScheduleActivity %q replayed with different type/input", errDeterminismMismatch, a.ID)
				}
				continue
			}
			taskID := ids.New()
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindActivityScheduled,
				eventlog.ActivityScheduledPayload{
					ActivityID:   a.ID,
					ActivityType: a.Type,
					Input:        a.Input,
					Options:      snapshotOptions(a.Options),
					TaskID:       taskID,
				}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			task := store.NewTask(taskID, inst.ID, a)
			if err := tx.EnqueueTask(ctx, task); err != nil {
				return nil, err
			}

		case workflow.StartTimer:
			if alreadyLogged(priorEvents, eventlog.KindTimerStarted, a.ID) {
				continue
			}
			fireAt := e.now().Add(a.Duration)
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindTimerStarted,
				eventlog.TimerStartedPayload{TimerID: a.ID, FireAt: fireAt}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			timerTask := store.NewTask(ids.New(), inst.ID, workflow.ScheduleActivity{
				ID:   a.ID,
				Type: TimerActivityType,
				Options: workflow.ActivityOptions{
					RetryPolicy: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Second, BackoffCoefficient: 1},
				},
			})
			timerTask.VisibleAt = fireAt
			if err := tx.EnqueueTask(ctx, timerTask); err != nil {
				return nil, err
			}

		case workflow.CancelActivity:
			taskID, ok := scheduledTaskID(priorEvents, a.ID)
			if ok {
				if err := tx.CancelTask(ctx, taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindActivityCancelled,
				eventlog.ActivityCancelledPayload{ActivityID: a.ID, Reason: "cancel_requested"}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)

		case workflow.ScheduleChildWorkflow:
			if alreadyLogged(priorEvents, eventlog.KindChildWorkflowStarted, a.ID) {
				continue
			}
			childID := ids.New()
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindChildWorkflowStarted,
				eventlog.ChildWorkflowStartedPayload{ChildID: a.ID, ChildWorkflowID: childID, WorkflowType: a.WorkflowType, Input: a.Input}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			child := workflow.NewInstance(childID, a.WorkflowType, a.Input, nil)
			if err := tx.CreateInstance(ctx, child); err != nil {
				return nil, err
			}
			// The child's own first activation (OnStart) runs after this
			// transaction commits, via Executor.StartWorkflow; see
			// DESIGN.md on why child activation isn't nested in the
			// parent's transaction.

		case workflow.CompleteWorkflow:
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindWorkflowCompleted,
				eventlog.WorkflowCompletedPayload{Result: a.Result}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			if err := tx.UpdateInstanceStatus(ctx, inst.ID, workflow.StatusCompleted, a.Result, ""); err != nil {
				return nil, err
			}

		case workflow.FailWorkflow:
			if a.Error == "cancelled" {
				ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindWorkflowCancelled,
					eventlog.WorkflowCancelledPayload{Reason: "cancelled"}, nil)
				if err != nil {
					return nil, err
				}
				out = append(out, ev)
				if err := tx.UpdateInstanceStatus(ctx, inst.ID, workflow.StatusCancelled, nil, a.Error); err != nil {
					return nil, err
				}
				continue
			}
			ev, err := eventlog.NewEvent(inst.ID, seq+int64(len(out)), eventlog.KindWorkflowFailed,
				eventlog.WorkflowFailedPayload{Error: a.Error}, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			if err := tx.UpdateInstanceStatus(ctx, inst.ID, workflow.StatusFailed, nil, a.Error); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("executor: unrecognized action type %T", action)
		}
	}
	return out, nil
}

// errDeterminismMismatch marks a replayed action id whose content
// disagrees with what's already logged for it: the fatal case idempotent
// replay (spec.md §4.1) is meant to guard against.
var errDeterminismMismatch = errors.New("executor: determinism violation")

func snapshotOptions(o workflow.ActivityOptions) eventlog.ActivityOptionsSnapshot {
	return eventlog.ActivityOptionsSnapshot{
		RetryPolicy: eventlog.RetryPolicySnapshot{
			MaxAttempts:        o.RetryPolicy.MaxAttempts,
			InitialIntervalMS:  o.RetryPolicy.InitialInterval.Milliseconds(),
			MaxIntervalMS:      o.RetryPolicy.MaxInterval.Milliseconds(),
			BackoffCoefficient: o.RetryPolicy.BackoffCoefficient,
			Jitter:             o.RetryPolicy.Jitter,
			NonRetryableErrors: o.RetryPolicy.NonRetryableErrors,
		},
		ScheduleToStartTimeoutMS: o.ScheduleToStartTimeout.Milliseconds(),
		StartToCloseTimeoutMS:    o.StartToCloseTimeout.Milliseconds(),
		HeartbeatTimeoutMS:       o.HeartbeatTimeout.Milliseconds(),
		CircuitBreakerKey:        o.CircuitBreakerKey,
		Priority:                 o.Priority,
	}
}

func findScheduledActivity(events []eventlog.Event, activityID string) (found bool, err error) {
	for _, ev := range events {
		if ev.Kind != eventlog.KindActivityScheduled {
			continue
		}
		var p eventlog.ActivityScheduledPayload
		if decErr := ev.Decode(&p); decErr != nil {
			return false, decErr
		}
		if p.ActivityID == activityID {
			return true, nil
		}
	}
	return false, nil
}

func scheduleActivityMismatch(events []eventlog.Event, a workflow.ScheduleActivity, mode ReplayMode) bool {
	for _, ev := range events {
		if ev.Kind != eventlog.KindActivityScheduled {
			continue
		}
		var p eventlog.ActivityScheduledPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		if p.ActivityID != a.ID {
			continue
		}
		if mode == ReplayIDsOnly {
			return false
		}
		if p.ActivityType != a.Type {
			return true
		}
		return !jsonEqual(p.Input, a.Input)
	}
	return false
}

// jsonEqual reports whether two JSON payloads are structurally equal:
// object key order and whitespace don't matter, and a number decoded from
// one side is compared against a number decoded from the other after
// coercion to float64, so "1" and "1.0" (or "1e0") compare equal. Either
// side being empty/nil is treated as JSON null.
func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}
	var av, bv any
	if len(bytes.TrimSpace(a)) == 0 {
		av = nil
	} else if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if len(bytes.TrimSpace(b)) == 0 {
		bv = nil
	} else if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return jsonValueEqual(av, bv)
}

func jsonValueEqual(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := toFloat64(b)
		return ok && av == bv
	case string:
		if bv, ok := b.(string); ok {
			return av == bv
		}
		bf, ok := b.(float64)
		af, err := strconv.ParseFloat(av, 64)
		return ok && err == nil && af == bf
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bw, ok := bv[k]
			if !ok || !jsonValueEqual(v, bw) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// toFloat64 coerces a string-encoded number to float64 for comparison
// against a json.Number-less float64 decode, covering the "1" vs "1.0"
// dual the structural comparison is meant to tolerate.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func scheduledTaskID(events []eventlog.Event, activityID string) (ids.ID, bool) {
	for _, ev := range events {
		if ev.Kind != eventlog.KindActivityScheduled {
			continue
		}
		var p eventlog.ActivityScheduledPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		if p.ActivityID == activityID {
			return p.TaskID, true
		}
	}
	return ids.Nil, false
}

func alreadyLogged(events []eventlog.Event, kind eventlog.Kind, actionID string) bool {
	for _, ev := range events {
		if ev.Kind != kind {
			continue
		}
		switch kind {
		case eventlog.KindTimerStarted:
			var p eventlog.TimerStartedPayload
			if ev.Decode(&p) == nil && p.TimerID == actionID {
				return true
			}
		case eventlog.KindChildWorkflowStarted:
			var p eventlog.ChildWorkflowStartedPayload
			if ev.Decode(&p) == nil && p.ChildID == actionID {
				return true
			}
		}
	}
	return false
}
