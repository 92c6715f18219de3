package workflow_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/workflow"
)

// echoWorkflow is a minimal Workflow used to exercise the contract: it
// schedules a single activity on start and completes with that activity's
// result, mirroring spec.md §8 scenario S1.
type echoWorkflow struct {
	completed bool
	result    json.RawMessage
}

func newEchoWorkflow(json.RawMessage) (workflow.Workflow, error) {
	return &echoWorkflow{}, nil
}

func (w *echoWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{
		workflow.ScheduleActivity{ID: "a", Type: "echo", Input: json.RawMessage(`{"x":1}`)},
	}, nil
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

func (w *echoWorkflow) OnSignal(workflow.SignalEnvelope) ([]workflow.Action, error) { return nil, nil }

func (w *echoWorkflow) IsCompleted() bool { return w.completed }

func (w *echoWorkflow) Result() json.RawMessage { return w.result }

func TestRegistryRoundTrip(t *testing.T) {
	reg := workflow.NewRegistry()
	reg.Register("echo", newEchoWorkflow)

	wf, err := reg.New("echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	actions, err := wf.OnStart()
	require.NoError(t, err)
	require.Len(t, actions, 1)

	sched, ok := actions[0].(workflow.ScheduleActivity)
	require.True(t, ok)
	assert.Equal(t, "a", sched.ID)
	assert.Equal(t, "a", workflow.ActionID(actions[0]))

	actions, err = wf.OnActivityCompleted("a", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	complete, ok := actions[0].(workflow.CompleteWorkflow)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(complete.Result))
	assert.True(t, wf.IsCompleted())
}

func TestRegistryLookupMiss(t *testing.T) {
	reg := workflow.NewRegistry()
	_, err := reg.New("missing", nil)
	assert.Error(t, err)

	var target *workflow.UnregisteredTypeError
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, "missing", target.WorkflowType)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, workflow.StatusCompleted.IsTerminal())
	assert.True(t, workflow.StatusFailed.IsTerminal())
	assert.True(t, workflow.StatusCancelled.IsTerminal())
	assert.False(t, workflow.StatusRunning.IsTerminal())
	assert.False(t, workflow.StatusPending.IsTerminal())
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := workflow.DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2.0, p.BackoffCoefficient)
}
