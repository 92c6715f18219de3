package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/admin"
	"goa.design/durableflow/executor"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/signalbus"
	"goa.design/durableflow/store/memory"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/workflow"
)

type echoWorkflow struct {
	completed bool
	result    json.RawMessage
}

func newEchoWorkflow(json.RawMessage) (workflow.Workflow, error) { return &echoWorkflow{}, nil }
func (w *echoWorkflow) OnStart() ([]workflow.Action, error) {
	return []workflow.Action{workflow.ScheduleActivity{ID: "a", Type: "echo"}}, nil
}
func (w *echoWorkflow) OnActivityCompleted(_ string, result json.RawMessage) ([]workflow.Action, error) {
	w.completed = true
	w.result = result
	return []workflow.Action{workflow.CompleteWorkflow{Result: result}}, nil
}
func (w *echoWorkflow) OnActivityFailed(_, errMsg string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.FailWorkflow{Error: errMsg}}, nil
}
func (w *echoWorkflow) OnTimerFired(string) ([]workflow.Action, error) { return nil, nil }
func (w *echoWorkflow) OnSignal(sig workflow.SignalEnvelope) ([]workflow.Action, error) {
	if sig.SignalType != signalbus.SignalCancel {
		return nil, nil
	}
	return []workflow.Action{workflow.FailWorkflow{Error: "cancelled"}}, nil
}
func (w *echoWorkflow) IsCompleted() bool       { return w.completed }
func (w *echoWorkflow) Result() json.RawMessage { return w.result }

func newTestAdminServer(t *testing.T) (*httptest.Server, ids.ID) {
	t.Helper()
	s := memory.New()
	reg := workflow.NewRegistry()
	reg.Register("echo", newEchoWorkflow)
	e := executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())
	bus := signalbus.New(s, e)

	wfID := ids.New()
	_, err := e.StartWorkflow(context.Background(), wfID, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	srv := admin.New(s, s, bus, telemetry.NewNoopLogger())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, wfID
}

func runCLI(t *testing.T, adminAddr string, args ...string) string {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--admin-addr", adminAddr}, args...))
	err := root.ExecuteContext(context.Background())
	require.NoError(t, err)
	return out.String()
}

func TestWorkflowShowPrintsInstance(t *testing.T) {
	ts, wfID := newTestAdminServer(t)
	out := runCLI(t, ts.URL, "workflow", "show", wfID.String())
	assert.Contains(t, out, wfID.String())
}

func TestWorkflowListReturnsInstance(t *testing.T) {
	ts, wfID := newTestAdminServer(t)
	out := runCLI(t, ts.URL, "workflow", "list")
	assert.Contains(t, out, wfID.String())
}

func TestTaskStatsRunsAgainstEmptyQueue(t *testing.T) {
	ts, _ := newTestAdminServer(t)
	out := runCLI(t, ts.URL, "task", "stats")
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestBreakerShowDefaultsToClosed(t *testing.T) {
	ts, _ := newTestAdminServer(t)
	out := runCLI(t, ts.URL, "breaker", "show", "some-activity")
	assert.Contains(t, out, "closed")
}

func TestWorkflowCancelAccepted(t *testing.T) {
	ts, wfID := newTestAdminServer(t)
	out := runCLI(t, ts.URL, "workflow", "cancel", wfID.String())
	assert.Contains(t, out, "cancel requested")
}
