package durable_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/engine"
	"goa.design/durableflow/engine/durable"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store/memory"
	"goa.design/durableflow/workerpool"
	"goa.design/durableflow/workflow"
)

// echoWorkflow mirrors executor_test.go's scenario: schedule one activity,
// complete with its result.
type echoWorkflow struct {
	completed bool
	result    json.RawMessage
}

func newEchoWorkflow(json.RawMessage) (workflow.Workflow, error) { return &echoWorkflow{}, nil }

func (w *echoWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "a", Type: "echo", Input: json.RawMessage(`{"x":1}`)}}, nil
}
func (w *echoWorkflow) OnActivityCompleted(_ string, result json.RawMessage) ([]workflow.Action, error) {
	w.completed = true
	w.result = result
	return []workflow.Action{workflow.CompleteWorkflow{Result: result}}, nil
}
func (w *echoWorkflow) OnActivityFailed(_ string, errMsg string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: errMsg}}, nil
}
func (w *echoWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *echoWorkflow) OnSignal(workflow.SignalEnvelope) ([]workflow.Action, error) {
	return nil, nil
}
func (w *echoWorkflow) IsCompleted() bool       { return w.completed }
func (w *echoWorkflow) Result() json.RawMessage { return w.result }

// timerWorkflow starts a short timer, then completes once it fires.
type timerWorkflow struct {
	fired bool
}

func newTimerWorkflow(json.RawMessage) (workflow.Workflow, error) { return &timerWorkflow{}, nil }

func (w *timerWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.StartTimer{ID: "t", Duration: 10 * time.Millisecond}}, nil
}
func (w *timerWorkflow) OnActivityCompleted(string, json.RawMessage) ([]workflow.Action, error) {
	return nil, nil
}
func (w *timerWorkflow) OnActivityFailed(string, string) ([]workflow.Action, error) { return nil, nil }
func (w *timerWorkflow) OnTimerFired(string) ([]workflow.Action, error) {
	w.fired = true
	return []workflow.Action{workflow.CompleteWorkflow{Result: json.RawMessage(`"done"`)}}, nil
}
func (w *timerWorkflow) OnSignal(workflow.SignalEnvelope) ([]workflow.Action, error) { return nil, nil }
func (w *timerWorkflow) IsCompleted() bool                                           { return w.fired }
func (w *timerWorkflow) Result() json.RawMessage                                     { return json.RawMessage(`"done"`) }

func newTestEngine(t *testing.T, activityTypes []string) *durable.Engine {
	t.Helper()
	eng, err := durable.New(durable.Options{
		Store: memory.New(),
		Worker: workerpool.Config{
			WorkerID:       "test-worker",
			ActivityTypes:  activityTypes,
			MaxConcurrency: 4,
			PollInterval:   10 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return eng
}

func runEngine(t *testing.T, eng *durable.Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestStartWorkflowCompletesThroughWorkerPool(t *testing.T) {
	eng := newTestEngine(t, []string{"echo"})
	require.NoError(t, eng.RegisterWorkflowType("echo_workflow", newEchoWorkflow))
	require.NoError(t, eng.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: "echo",
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	}))
	runEngine(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       ids.New().String(),
		Workflow: "echo_workflow",
	})
	require.NoError(t, err)

	var result map[string]int
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, 1, result["x"])
}

func TestStartWorkflowRejectsClosureHandler(t *testing.T) {
	eng := newTestEngine(t, nil)
	err := eng.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "closure_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			return input, nil
		},
	})
	assert.Error(t, err)
}

func TestTimerFiresThroughInternalClaimant(t *testing.T) {
	eng := newTestEngine(t, []string{"echo"})
	require.NoError(t, eng.RegisterWorkflowType("timer_workflow", newTimerWorkflow))
	runEngine(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       ids.New().String(),
		Workflow: "timer_workflow",
	})
	require.NoError(t, err)

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, "done", result)
}

func TestSignalCancelsWorkflow(t *testing.T) {
	eng := newTestEngine(t, []string{"slow_job"})
	require.NoError(t, eng.RegisterWorkflowType("cancellable_workflow", newCancellableWorkflow))
	require.NoError(t, eng.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: "slow_job",
		Handler: func(_ context.Context, _ any) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return nil, nil
		},
	}))
	runEngine(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       ids.New().String(),
		Workflow: "cancellable_workflow",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, handle.Cancel(ctx))

	err = handle.Wait(ctx, nil)
	assert.Error(t, err)
}

type cancellableWorkflow struct {
	cancelled bool
}

func newCancellableWorkflow(json.RawMessage) (workflow.Workflow, error) {
	return &cancellableWorkflow{}, nil
}
func (w *cancellableWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "long", Type: "slow_job"}}, nil
}
func (w *cancellableWorkflow) OnActivityCompleted(string, json.RawMessage) ([]workflow.Action, error) {
	return []workflow.Action{workflow.CompleteWorkflow{}}, nil
}
func (w *cancellableWorkflow) OnActivityFailed(_ string, errMsg string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: errMsg}}, nil
}
func (w *cancellableWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *cancellableWorkflow) OnSignal(sig workflow.SignalEnvelope) ([]workflow.Action, error) {
	if sig.SignalType != "cancel" {
		return nil, nil
	}
	w.cancelled = true
	return []workflow.Action{
		workflow.CancelActivity{ID: "long"},
		workflow.FailWorkflow{Error: "cancelled"},
	}, nil
}
func (w *cancellableWorkflow) IsCompleted() bool       { return w.cancelled }
func (w *cancellableWorkflow) Result() json.RawMessage { return nil }
