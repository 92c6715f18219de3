package workflow

import (
	"encoding/json"
	"time"

	"goa.design/durableflow/ids"
)

// RetryPolicy is the pure-data policy attached to a scheduled activity,
// serialized into the task row and the ActivityScheduled event so replay
// never depends on mutable external configuration. Mirrors spec.md §4.3.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	InitialInterval    time.Duration `json:"initial_interval"`
	MaxInterval        time.Duration `json:"max_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	Jitter             float64       `json:"jitter"`
	NonRetryableErrors []string      `json:"non_retryable_errors,omitempty"`
}

// DefaultRetryPolicy matches the S1/S2 scenario defaults used throughout
// spec.md §8's worked examples.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		MaxInterval:        time.Minute,
		BackoffCoefficient: 2.0,
		Jitter:             0.2,
	}
}

// ActivityOptions bundles the per-activity configuration a workflow handler
// supplies with a ScheduleActivity action.
type ActivityOptions struct {
	RetryPolicy              RetryPolicy
	ScheduleToStartTimeout   time.Duration
	StartToCloseTimeout      time.Duration
	HeartbeatTimeout         time.Duration
	CircuitBreakerKey        string
	Priority                 int32
}

// Action is the closed set of effects a handler may return from an on_*
// callback (spec.md §4.1). Exactly one concrete type below satisfies it;
// the zero value of NoAction satisfies it too, for "nothing to do".
type Action interface {
	isAction()
}

type (
	// ScheduleActivity requests a new activity execution. ID must be stable
	// across replays of the same logical action so a post-crash replay
	// recognizes already-scheduled work (idempotent replay, spec.md §4.1).
	ScheduleActivity struct {
		ID      string
		Type    string
		Input   json.RawMessage
		Options ActivityOptions
	}

	// StartTimer requests a durable timer.
	StartTimer struct {
		ID       string
		Duration time.Duration
	}

	// CancelActivity requests cooperative cancellation of a previously
	// scheduled, not-yet-terminal activity.
	CancelActivity struct {
		ID string
	}

	// ScheduleChildWorkflow requests a child workflow execution linked to
	// the parent's lifecycle.
	ScheduleChildWorkflow struct {
		ID           string
		WorkflowType string
		Input        json.RawMessage
	}

	// CompleteWorkflow terminates the workflow successfully.
	CompleteWorkflow struct {
		Result json.RawMessage
	}

	// FailWorkflow terminates the workflow with a failure, including
	// operator-initiated cancellation (Error == "cancelled").
	FailWorkflow struct {
		Error string
	}

	// NoAction indicates the handler had nothing to do; never persisted.
	NoAction struct{}
)

func (ScheduleActivity) isAction()      {}
func (StartTimer) isAction()            {}
func (CancelActivity) isAction()        {}
func (ScheduleChildWorkflow) isAction() {}
func (CompleteWorkflow) isAction()      {}
func (FailWorkflow) isAction()          {}
func (NoAction) isAction()              {}

// ActionID returns the stable idempotency key for an action, or "" for
// actions that don't carry one (CompleteWorkflow/FailWorkflow/NoAction are
// terminal-or-trivial and never need replay deduplication).
func ActionID(a Action) string {
	switch v := a.(type) {
	case ScheduleActivity:
		return v.ID
	case StartTimer:
		return v.ID
	case CancelActivity:
		return v.ID
	case ScheduleChildWorkflow:
		return v.ID
	default:
		return ""
	}
}

// SignalEnvelope is the input to on_signal, carrying the consumed Signal's
// identifying fields alongside its payload.
type SignalEnvelope struct {
	SignalID   ids.ID
	SignalType string
	Payload    json.RawMessage
	Sequence   int64
}
