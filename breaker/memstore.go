package breaker

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by unit tests and store/memory.
type MemStore struct {
	mu     sync.Mutex
	states map[string]CircuitState
}

// NewMemStore constructs an empty in-memory breaker store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]CircuitState)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) LoadCircuit(_ context.Context, key string) (CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.states[key]; ok {
		return cs, nil
	}
	return Closed(key), nil
}

func (s *MemStore) CompareAndSwap(_ context.Context, next CircuitState, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.states[next.Key]
	if !exists {
		if !expectedUpdatedAt.IsZero() {
			return ErrConflict
		}
	} else if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrConflict
	}
	s.states[next.Key] = next
	return nil
}
