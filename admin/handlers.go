package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/enginerr"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "admin: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseID(r *http.Request, name string) (ids.ID, error) {
	return ids.Parse(chi.URLParam(r, name))
}

func limitFromQuery(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// -- workers --

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.store.GetWorker(r.Context(), chi.URLParam(r, "workerID"))
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) drainWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RequestDrain(r.Context(), chi.URLParam(r, "workerID")); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, nil)
}

// -- workflows --

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		WorkflowType: q.Get("workflow_type"),
		Limit:        limitFromQuery(r, 50),
		Cursor:       q.Get("cursor"),
	}
	instances, err := s.store.ListInstances(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "workflowID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) getWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "workflowID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := s.store.List(r.Context(), id, r.URL.Query().Get("cursor"), limitFromQuery(r, 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

type signalRequest struct {
	SignalType string          `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) sendWorkflowSignal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "workflowID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SignalType == "" {
		s.writeError(w, http.StatusBadRequest, errMissingSignalType)
		return
	}
	signalID, err := s.signals.Send(r.Context(), id, req.SignalType, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"signal_id": signalID.String()})
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "workflowID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	signalID, err := s.signals.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"signal_id": signalID.String()})
}

// -- tasks --

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status:       store.TaskStatus(q.Get("status")),
		ActivityType: q.Get("activity_type"),
		Limit:        limitFromQuery(r, 50),
		Cursor:       q.Get("cursor"),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "taskID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TaskStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// -- dead-letter queue --

func (s *Server) listDlq(w http.ResponseWriter, r *http.Request) {
	entries, next, err := s.store.ListDlq(r.Context(), limitFromQuery(r, 50), r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "next_cursor": next})
}

func (s *Server) requeueDlqEntry(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "entryID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := s.store.RequeueDlqEntry(r.Context(), id, nil)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID.String()})
}

func (s *Server) deleteDlqEntry(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "entryID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteDlqEntry(r.Context(), id); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) purgeDlq(w http.ResponseWriter, r *http.Request) {
	age, err := parseDurationQuery(r, "older_than", defaultDlqPurgeAge)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.PurgeDlqOlderThan(r.Context(), age)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// -- circuit breakers --

// circuitState is requested and reset by key, not enumerated: breaker.Store
// has no list-all method (it is a pure key -> CircuitState map), so there is
// no admin "list every breaker" endpoint to back.
func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	state, err := s.breakerStore.LoadCircuit(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	current, err := s.breakerStore.LoadCircuit(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	reset := breaker.CircuitState{Key: key, State: breaker.StateClosed, UpdatedAt: s.now()}
	if err := s.breakerStore.CompareAndSwap(r.Context(), reset, current.UpdatedAt); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reset)
}

// -- health --

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TaskStats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task_counts": stats})
}

func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	if err == store.ErrNotFound {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

var errMissingSignalType = enginerr.New(enginerr.KindNonRetryable, "signal_type is required")
