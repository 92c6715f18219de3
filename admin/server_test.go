package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/admin"
	"goa.design/durableflow/executor"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/signalbus"
	"goa.design/durableflow/store"
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

func newTestServer(t *testing.T) (*admin.Server, store.EventStore, ids.ID) {
	t.Helper()
	s := memory.New()
	reg := workflow.NewRegistry()
	reg.Register("echo", newEchoWorkflow)
	e := executor.New(s, reg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer())
	bus := signalbus.New(s, e)

	wfID := ids.New()
	_, err := e.StartWorkflow(context.Background(), wfID, "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	return admin.New(s, s, bus, telemetry.NewNoopLogger()), s, wfID
}

func TestAdminWorkflowLifecycle(t *testing.T) {
	srv, _, wfID := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/workflows/"+wfID.String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var inst workflow.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, workflow.StatusPending, inst.Status)

	req = httptest.NewRequest(http.MethodGet, "/workflows/"+wfID.String()+"/events", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminCancelWorkflow(t *testing.T) {
	srv, s, wfID := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows/"+wfID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	inst, err := s.GetInstance(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, inst.Status)
}

func TestAdminTaskStatsAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminUnknownWorkflowReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/workflows/"+ids.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
