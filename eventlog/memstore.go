package eventlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"goa.design/durableflow/ids"
)

// MemStore is an in-memory Store, used by unit tests and by store/memory.
// It enforces the same dense-sequence and terminal-closure invariants a
// Postgres-backed store must, so tests written against it generalize.
type MemStore struct {
	mu     sync.Mutex
	events map[ids.ID][]Event
}

// NewMemStore constructs an empty in-memory event log.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[ids.ID][]Event)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(event)
}

func (s *MemStore) AppendBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if err := s.appendLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) appendLocked(event Event) error {
	existing := s.events[event.WorkflowID]
	if int64(len(existing)) != event.Sequence {
		return fmt.Errorf("%w: workflow %s expected sequence %d, log has %d events",
			ErrSequenceConflict, event.WorkflowID, event.Sequence, len(existing))
	}
	if len(existing) > 0 && existing[len(existing)-1].Kind.IsTerminal() {
		return fmt.Errorf("eventlog: workflow %s is already terminal, refusing append", event.WorkflowID)
	}
	s.events[event.WorkflowID] = append(existing, event)
	return nil
}

func (s *MemStore) Load(_ context.Context, workflowID ids.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.events[workflowID]
	out := make([]Event, len(existing))
	copy(out, existing)
	return out, nil
}

func (s *MemStore) List(_ context.Context, workflowID ids.ID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("eventlog: limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.events[workflowID]
	start := 0
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("eventlog: invalid cursor %q: %w", cursor, err)
		}
		start = int(n)
	}
	if start > len(existing) {
		start = len(existing)
	}
	end := start + limit
	if end > len(existing) {
		end = len(existing)
	}

	page := Page{Events: append([]Event(nil), existing[start:end]...)}
	if end < len(existing) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *MemStore) LatestSequence(_ context.Context, workflowID ids.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.events[workflowID]
	if len(existing) == 0 {
		return -1, nil
	}
	return existing[len(existing)-1].Sequence, nil
}

// WorkflowIDs returns every workflow id with at least one event, sorted for
// deterministic test iteration.
func (s *MemStore) WorkflowIDs() []ids.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.ID, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out
}
