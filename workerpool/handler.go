package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one activity attempt. ctx is cancelled cooperatively
// (spec.md §4.6's cancellation model): a well-behaved Handler checks
// ctx.Err() at its own suspension points rather than expecting to be
// forcibly killed.
type Handler func(ctx context.Context, activityType string, input json.RawMessage) (json.RawMessage, error)

// HandlerRegistry maps activity_type to the Handler that executes it,
// mirroring workflow.Registry's shape for the activity side of the engine.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry constructs an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register associates activityType with h, overwriting any prior
// registration.
func (r *HandlerRegistry) Register(activityType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[activityType] = h
}

// Lookup returns the Handler registered for activityType, if any.
func (r *HandlerRegistry) Lookup(activityType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[activityType]
	return h, ok
}

// UnregisteredActivityTypeError is returned when a claimed task names an
// activity_type with no registered Handler.
type UnregisteredActivityTypeError struct {
	ActivityType string
}

func (e *UnregisteredActivityTypeError) Error() string {
	return fmt.Sprintf("workerpool: no handler registered for activity type %q", e.ActivityType)
}
