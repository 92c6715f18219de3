// Package memory implements store.EventStore entirely in-process, for unit
// and property-based tests that don't need a real Postgres instance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/retry"
	"goa.design/durableflow/store"
	"goa.design/durableflow/workflow"
)

// Store is an in-memory store.EventStore. A single mutex serializes all
// access; this is intentionally simple since its purpose is correctness
// under test, not throughput.
type Store struct {
	mu sync.Mutex

	events  *eventlog.MemStore
	circuit *breaker.MemStore

	instances map[ids.ID]*workflow.Instance
	tasks     map[ids.ID]*store.Task
	dlq       map[ids.ID]*store.DlqEntry
	workers   map[string]*store.Worker
	signals   map[ids.ID][]*store.Signal

	dlqSeq int64
}

// New constructs an empty in-memory EventStore.
func New() *Store {
	return &Store{
		events:    eventlog.NewMemStore(),
		circuit:   breaker.NewMemStore(),
		instances: make(map[ids.ID]*workflow.Instance),
		tasks:     make(map[ids.ID]*store.Task),
		dlq:       make(map[ids.ID]*store.DlqEntry),
		workers:   make(map[string]*store.Worker),
		signals:   make(map[ids.ID][]*store.Signal),
	}
}

var _ store.EventStore = (*Store)(nil)

// --- eventlog.Store: delegate directly, it already has its own locking. ---

func (s *Store) Append(ctx context.Context, event eventlog.Event) error {
	return s.events.Append(ctx, event)
}

func (s *Store) AppendBatch(ctx context.Context, events []eventlog.Event) error {
	return s.events.AppendBatch(ctx, events)
}

func (s *Store) Load(ctx context.Context, workflowID ids.ID) ([]eventlog.Event, error) {
	return s.events.Load(ctx, workflowID)
}

func (s *Store) List(ctx context.Context, workflowID ids.ID, cursor string, limit int) (eventlog.Page, error) {
	return s.events.List(ctx, workflowID, cursor, limit)
}

func (s *Store) LatestSequence(ctx context.Context, workflowID ids.ID) (int64, error) {
	return s.events.LatestSequence(ctx, workflowID)
}

// --- breaker.Store: delegate directly. ---

func (s *Store) LoadCircuit(ctx context.Context, key string) (breaker.CircuitState, error) {
	return s.circuit.LoadCircuit(ctx, key)
}

func (s *Store) CompareAndSwap(ctx context.Context, next breaker.CircuitState, expectedUpdatedAt time.Time) error {
	return s.circuit.CompareAndSwap(ctx, next, expectedUpdatedAt)
}

// --- InstanceStore ---

func (s *Store) CreateInstance(_ context.Context, instance *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *instance
	s.instances[instance.ID] = &cp
	return nil
}

func (s *Store) GetInstance(_ context.Context, id ids.ID) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *Store) UpdateInstanceStatus(_ context.Context, id ids.ID, status workflow.Status, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	inst.Status = status
	inst.UpdatedAt = now
	if result != nil {
		inst.Result = result
	}
	if errMsg != "" {
		inst.Error = errMsg
	}
	if status == workflow.StatusRunning && inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	if status.IsTerminal() {
		inst.CompletedAt = &now
	}
	return nil
}

func (s *Store) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if filter.WorkflowType != "" && inst.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i].ID, out[j].ID) < 0 })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- TaskQueueStore ---

func (s *Store) EnqueueTask(_ context.Context, task store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *Store) Claim(_ context.Context, workerID string, activityTypes []string, limit int) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(activityTypes))
	for _, t := range activityTypes {
		allowed[t] = true
	}

	var candidates []*store.Task
	now := time.Now().UTC()
	for _, t := range s.tasks {
		if t.Status != store.TaskPending {
			continue
		}
		if len(allowed) > 0 && !allowed[t.ActivityType] {
			continue
		}
		if t.VisibleAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].VisibleAt.Before(candidates[j].VisibleAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]store.Task, 0, len(candidates))
	for _, t := range candidates {
		t.Status = store.TaskClaimed
		worker := workerID
		t.ClaimedBy = &worker
		claimedAt := now
		t.ClaimedAt = &claimedAt
		t.HeartbeatAt = &claimedAt
		t.Attempt++
		t.UpdatedAt = now
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

func (s *Store) Heartbeat(_ context.Context, taskID ids.ID, workerID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.ClaimedBy == nil || *t.ClaimedBy != workerID {
		return false, false, nil
	}
	// A cancelled task stays visible to its claimer's heartbeat (so the
	// executing worker learns to honor the cancellation) but a claimed-only
	// task is the only one that still gets its heartbeat_at bumped.
	if t.Status != store.TaskClaimed && t.Status != store.TaskCancelled {
		return false, false, nil
	}
	if t.Status == store.TaskClaimed {
		now := time.Now().UTC()
		t.HeartbeatAt = &now
	}
	return true, t.Status == store.TaskCancelled, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID ids.ID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskCompleted
	t.UpdatedAt = time.Now().UTC()
	_ = result
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID ids.ID, errMsg string) (store.FailOutcome, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", nil, store.ErrNotFound
	}
	now := time.Now().UTC()
	t.LastError = errMsg
	t.UpdatedAt = now

	nonRetryable := retry.IsNonRetryable(t.Options.RetryPolicy, errMsg)
	exhausted := !retry.ShouldRetry(t.Options.RetryPolicy, t.Attempt+1)

	if nonRetryable || exhausted {
		t.Status = store.TaskDead
		s.dlqSeq++
		entry := &store.DlqEntry{
			ID:             ids.New(),
			OriginalTaskID: t.ID,
			WorkflowID:     t.WorkflowID,
			ActivityID:     t.ActivityID,
			Input:          t.Input,
			Attempt:        t.Attempt,
			LastError:      errMsg,
			ErrorHistory:   append(dlqErrorHistory(s.dlq, t.ID), errMsg),
			DeadAt:         now,
		}
		s.dlq[entry.ID] = entry
		if nonRetryable {
			return store.OutcomeNonRetryable, nil, nil
		}
		return store.OutcomeDead, nil, nil
	}

	delay := retry.NextDelay(t.Options.RetryPolicy, t.Attempt+1)
	visibleAt := now.Add(delay)
	t.Status = store.TaskPending
	t.VisibleAt = visibleAt
	t.ClaimedBy = nil
	t.ClaimedAt = nil
	t.HeartbeatAt = nil
	return store.OutcomeRetry, &visibleAt, nil
}

func dlqErrorHistory(dlq map[ids.ID]*store.DlqEntry, originalTaskID ids.ID) []string {
	for _, e := range dlq {
		if e.OriginalTaskID == originalTaskID {
			return append([]string(nil), e.ErrorHistory...)
		}
	}
	return nil
}

func (s *Store) CancelTask(_ context.Context, taskID ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskCancelled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID ids.ID) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return *t, nil
}

func (s *Store) ListTasks(_ context.Context, filter store.TaskFilter) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.ActivityType != "" && t.ActivityType != filter.ActivityType {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i].ID, out[j].ID) < 0 })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) TaskStats(_ context.Context) (map[store.TaskStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[store.TaskStatus]int64)
	for _, t := range s.tasks {
		stats[t.Status]++
	}
	return stats, nil
}

func (s *Store) ReclaimStale(_ context.Context, heartbeatTimeout time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tasks {
		if t.Status != store.TaskClaimed || t.HeartbeatAt == nil {
			continue
		}
		if now.Sub(*t.HeartbeatAt) > heartbeatTimeout {
			t.Status = store.TaskPending
			t.VisibleAt = now
			t.ClaimedBy = nil
			t.ClaimedAt = nil
			t.HeartbeatAt = nil
			t.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *Store) FindScheduleToStartTimedOut(_ context.Context, now time.Time) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Task
	for _, t := range s.tasks {
		if t.Status != store.TaskPending {
			continue
		}
		deadline := t.ScheduledAt.Add(t.Options.ScheduleToStartTimeout)
		if t.Options.ScheduleToStartTimeout > 0 && now.After(deadline) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) FindStartToCloseTimedOut(_ context.Context, now time.Time) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Task
	for _, t := range s.tasks {
		if t.Status != store.TaskClaimed || t.ClaimedAt == nil {
			continue
		}
		if t.Options.StartToCloseTimeout <= 0 {
			continue
		}
		deadline := t.ClaimedAt.Add(t.Options.StartToCloseTimeout)
		if now.After(deadline) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// --- DlqStore ---

func (s *Store) ListDlq(_ context.Context, limit int, cursor string) ([]store.DlqEntry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DlqEntry
	for _, e := range s.dlq {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.Before(out[j].DeadAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

func (s *Store) GetDlqEntry(_ context.Context, id ids.ID) (store.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return store.DlqEntry{}, store.ErrNotFound
	}
	return *e, nil
}

func (s *Store) RequeueDlqEntry(_ context.Context, id ids.ID, overrideOptions *workflow.ActivityOptions) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return ids.ID{}, store.ErrNotFound
	}
	original, ok := s.tasks[e.OriginalTaskID]
	if !ok {
		return ids.ID{}, fmt.Errorf("store: original task %s for dlq entry %s no longer present", e.OriginalTaskID, id)
	}

	now := time.Now().UTC()
	newTask := *original
	newTask.ID = ids.New()
	newTask.Status = store.TaskPending
	newTask.Attempt = 0
	newTask.ScheduledAt = now
	newTask.VisibleAt = now
	newTask.ClaimedBy = nil
	newTask.ClaimedAt = nil
	newTask.HeartbeatAt = nil
	newTask.CreatedAt = now
	newTask.UpdatedAt = now
	if overrideOptions != nil {
		newTask.Options = *overrideOptions
	}
	s.tasks[newTask.ID] = &newTask

	requeuedAt := now
	e.RequeuedAt = &requeuedAt
	e.RequeueCount++
	return newTask.ID, nil
}

func (s *Store) DeleteDlqEntry(_ context.Context, id ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlq[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.dlq, id)
	return nil
}

func (s *Store) PurgeDlqOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	count := 0
	for id, e := range s.dlq {
		if e.DeadAt.Before(cutoff) {
			delete(s.dlq, id)
			count++
		}
	}
	return count, nil
}

// --- WorkerStore ---

func (s *Store) RegisterWorker(_ context.Context, w store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := w
	s.workers[w.ID] = &cp
	return nil
}

func (s *Store) UpdateWorkerHeartbeat(_ context.Context, workerID string, currentLoad int, acceptingTasks bool, backpressureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.CurrentLoad = currentLoad
	w.AcceptingTasks = acceptingTasks
	w.BackpressureReason = backpressureReason
	w.LastHeartbeatAt = time.Now().UTC()
	return nil
}

func (s *Store) RequestDrain(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = store.WorkerDraining
	return nil
}

func (s *Store) GetWorker(_ context.Context, workerID string) (store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return store.Worker{}, store.ErrNotFound
	}
	return *w, nil
}

func (s *Store) ListWorkers(_ context.Context) ([]store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkStaleWorkersStopped(_ context.Context, staleAfter time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workers {
		if w.Status == store.WorkerStopped {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) > staleAfter {
			w.Status = store.WorkerStopped
			count++
		}
	}
	return count, nil
}

// --- SignalStore ---

func (s *Store) SendSignal(_ context.Context, signal store.Signal) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.signals[signal.WorkflowID]
	signal.Sequence = int64(len(existing))
	if signal.ID.IsNil() {
		signal.ID = ids.New()
	}
	cp := signal
	s.signals[signal.WorkflowID] = append(existing, &cp)
	return signal.ID, nil
}

func (s *Store) PendingSignals(_ context.Context, workflowID ids.ID) ([]store.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Signal
	for _, sig := range s.signals[workflowID] {
		if sig.ProcessedAt == nil {
			out = append(out, *sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) MarkSignalProcessed(_ context.Context, signalID ids.ID, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sigs := range s.signals {
		for _, sig := range sigs {
			if sig.ID == signalID {
				sig.ProcessedAt = &processedAt
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// --- Transaction/lifecycle ---

// WithTx runs fn directly: the Store's single mutex already serializes every
// operation, so there's no separate transaction object to open.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.EventStore) error) error {
	return fn(ctx, s)
}

func (s *Store) Close() error { return nil }
