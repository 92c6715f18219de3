package breaker

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Store.CompareAndSwap when the persisted
// UpdatedAt no longer matches the caller's expected value, meaning another
// worker already transitioned this breaker.
var ErrConflict = errors.New("breaker: concurrent update conflict")

// Store persists CircuitState, shared by every worker process consulting
// or updating a breaker (spec.md §4.4: "state persisted so that workers
// share a view"). Implementations live in store/postgres (source of truth)
// and store/memory (tests); Breaker additionally layers an optional Cache
// in front of Load for the hot Allow() path.
type Store interface {
	// LoadCircuit returns the current state for key, or Closed(key) if the
	// key has never been recorded. Named LoadCircuit (not Load) so it
	// doesn't collide with eventlog.Store.Load when both are embedded into
	// a single combined store (store.EventStore).
	LoadCircuit(ctx context.Context, key string) (CircuitState, error)

	// CompareAndSwap persists next if the store's current UpdatedAt for
	// next.Key equals expectedUpdatedAt (zero time for "key does not exist
	// yet"). Returns ErrConflict on mismatch so the caller reloads and
	// retries its transition.
	CompareAndSwap(ctx context.Context, next CircuitState, expectedUpdatedAt time.Time) error
}

// Cache is an optional read-through layer in front of Store, implemented by
// RedisCache (rediscache.go) for deployments that want to keep the hot Allow() path
// off the primary database.
type Cache interface {
	Get(ctx context.Context, key string) (CircuitState, bool, error)
	Set(ctx context.Context, state CircuitState) error
	Invalidate(ctx context.Context, key string) error
}
