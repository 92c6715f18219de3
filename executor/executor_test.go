package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/executor"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/store/memory"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/workflow"
)

// echoWorkflow mirrors spec.md §8 scenario S1: schedule one activity, then
// complete with its result.
type echoWorkflow struct {
	completed bool
	result    json.RawMessage
}

func newEchoWorkflow(json.RawMessage) (workflow.Workflow, error) { return &echoWorkflow{}, nil }

func (w *echoWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "a", Type: "echo", Input: json.RawMessage(`{"x":1}`)}}, nil
}
func (w *echoWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	w.completed = true
	w.result = result
	return []workflow.Action{workflow.CompleteWorkflow{Result: result}}, nil
}
func (w *echoWorkflow) OnActivityFailed(activityID string, errMsg string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: errMsg}}, nil
}
func (w *echoWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *echoWorkflow) OnSignal(workflow.SignalEnvelope) ([]workflow.Action, error) {
	return nil, nil
}
func (w *echoWorkflow) IsCompleted() bool         { return w.completed }
func (w *echoWorkflow) Result() json.RawMessage { return w.result }

// longActivityWorkflow mirrors spec.md §8 scenario S5: a long activity that
// gets cooperatively cancelled via the built-in "cancel" signal.
type longActivityWorkflow struct {
	cancelled bool
}

func newLongActivityWorkflow(json.RawMessage) (workflow.Workflow, error) {
	return &longActivityWorkflow{}, nil
}
func (w *longActivityWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "long", Type: "slow_job"}}, nil
}
func (w *longActivityWorkflow) OnActivityCompleted(string, json.RawMessage) ([]workflow.Action, error) {
	return []workflow.Action{workflow.CompleteWorkflow{}}, nil
}
func (w *longActivityWorkflow) OnActivityFailed(activityID string, errMsg string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: errMsg}}, nil
}
func (w *longActivityWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *longActivityWorkflow) OnSignal(sig workflow.SignalEnvelope) ([]workflow.Action, error) {
	if sig.SignalType != "cancel" {
		return nil, nil
	}
	w.cancelled = true
	return []workflow.Action{
		workflow.CancelActivity{ID: "long"},
		workflow.FailWorkflow{Error: "cancelled"},
	}, nil
}
func (w *longActivityWorkflow) IsCompleted() bool         { return w.cancelled }
func (w *longActivityWorkflow) Result() json.RawMessage { return nil }

func newExecutor(s store.EventStore) *executor.Executor {
	reg := workflow.NewRegistry()
	reg.Register("echo", newEchoWorkflow)
	reg.Register("long", newLongActivityWorkflow)
	return executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())
}

func TestHappyPathSingleActivityWorkflow(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	e := newExecutor(s)

	wfID := ids.New()
	inst, err := e.StartWorkflow(ctx, wfID, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, inst.Status)

	tasks, err := s.Claim(ctx, "worker-1", []string{"echo"}, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ActivityID)

	require.NoError(t, s.CompleteTask(ctx, tasks[0].ID, []byte(`{"x":1}`)))
	require.NoError(t, e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`{"x":1}`), 1))

	got, err := s.GetInstance(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"x":1}`, string(got.Result))

	events, err := s.Load(ctx, wfID)
	require.NoError(t, err)
	kinds := make([]eventlog.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []eventlog.Kind{
		eventlog.KindWorkflowStarted,
		eventlog.KindActivityScheduled,
		eventlog.KindActivityCompleted,
		eventlog.KindWorkflowCompleted,
	}, kinds)
}

func TestActivationDroppedAfterTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	e := newExecutor(s)

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`{"ok":true}`), 1))

	before, err := s.Load(ctx, wfID)
	require.NoError(t, err)

	// A late/duplicate stimulus after completion must be a silent no-op,
	// not an error and not a new event.
	require.NoError(t, e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`{"ok":true}`), 1))

	after, err := s.Load(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestSignalDrivenCancellation(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	e := newExecutor(s)

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "long", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = s.SendSignal(ctx, store.Signal{WorkflowID: wfID, SignalType: "cancel", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// Any activation drains pending signals (spec.md §4.7); a bare
	// ProcessSignals activation is enough to trigger the drain.
	require.NoError(t, e.ProcessSignals(ctx, wfID))

	got, err := s.GetInstance(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.Error)

	task, err := s.GetTask(ctx, mustScheduledTaskID(t, ctx, s, wfID, "long"))
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)

	pending, err := s.PendingSignals(ctx, wfID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayIdempotenceProducesSameActionIDs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	e := newExecutor(s)

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	events, err := s.Load(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, events, 2) // WorkflowStarted, ActivityScheduled

	var scheduled eventlog.ActivityScheduledPayload
	require.NoError(t, events[1].Decode(&scheduled))
	assert.Equal(t, "a", scheduled.ActivityID)
	assert.False(t, scheduled.TaskID.IsNil())
}

// rescheduleWorkflow replays ScheduleActivity{ID: "a"} a second time from
// OnActivityCompleted, with whatever input scheduleInput holds. It lets
// tests exercise the duplicate-ScheduleActivity determinism check with
// different payload shapes.
type rescheduleWorkflow struct {
	scheduleInput json.RawMessage
	rescheduled   bool
	completed     bool
}

func (w *rescheduleWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "a", Type: "echo", Input: json.RawMessage(`{"x":1,"y":2}`)}}, nil
}
func (w *rescheduleWorkflow) OnActivityCompleted(string, json.RawMessage) ([]workflow.Action, error) {
	if !w.rescheduled {
		w.rescheduled = true
		return []workflow.Action{workflow.ScheduleActivity{ID: "a", Type: "echo", Input: w.scheduleInput}}, nil
	}
	w.completed = true
	return []workflow.Action{workflow.CompleteWorkflow{}}, nil
}
func (w *rescheduleWorkflow) OnActivityFailed(string, string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: "failed"}}, nil
}
func (w *rescheduleWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *rescheduleWorkflow) OnSignal(workflow.SignalEnvelope) ([]workflow.Action, error) {
	return nil, nil
}
func (w *rescheduleWorkflow) IsCompleted() bool         { return w.completed }
func (w *rescheduleWorkflow) Result() json.RawMessage { return nil }

func TestScheduleActivityMismatchToleratesBenignJSONReserialization(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	reg := workflow.NewRegistry()
	reg.Register("reschedule", func(json.RawMessage) (workflow.Workflow, error) {
		return &rescheduleWorkflow{scheduleInput: json.RawMessage(`{"y":2.0,"x":1}`)}, nil
	})
	e := executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "reschedule", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`null`), 1))

	inst, err := s.GetInstance(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, inst.Status, "reordered keys and 2 vs 2.0 must not trip a determinism violation")
}

func TestScheduleActivityMismatchFailsOnGenuineInputChange(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	reg := workflow.NewRegistry()
	reg.Register("reschedule", func(json.RawMessage) (workflow.Workflow, error) {
		return &rescheduleWorkflow{scheduleInput: json.RawMessage(`{"x":99,"y":2}`)}, nil
	})
	e := executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "reschedule", json.RawMessage(`{}`))
	require.NoError(t, err)

	err = e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`null`), 1)
	require.Error(t, err)

	inst, err := s.GetInstance(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
}

func TestReplayIDsOnlyToleratesInputChange(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	reg := workflow.NewRegistry()
	reg.Register("reschedule", func(json.RawMessage) (workflow.Workflow, error) {
		return &rescheduleWorkflow{scheduleInput: json.RawMessage(`{"x":99,"y":2}`)}, nil
	})
	e := executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer(), executor.WithReplayMode(executor.ReplayIDsOnly))

	wfID := ids.New()
	_, err := e.StartWorkflow(ctx, wfID, "reschedule", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, e.ActivityCompleted(ctx, wfID, "a", json.RawMessage(`null`), 1))

	inst, err := s.GetInstance(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, inst.Status)
}

func mustScheduledTaskID(t *testing.T, ctx context.Context, s *memory.Store, wfID ids.ID, activityID string) ids.ID {
	t.Helper()
	events, err := s.Load(ctx, wfID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind != eventlog.KindActivityScheduled {
			continue
		}
		var p eventlog.ActivityScheduledPayload
		require.NoError(t, ev.Decode(&p))
		if p.ActivityID == activityID {
			return p.TaskID
		}
	}
	t.Fatalf("no ActivityScheduled event found for activity %q", activityID)
	return ids.Nil
}
