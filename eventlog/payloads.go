package eventlog

import (
	"encoding/json"
	"time"

	"goa.design/durableflow/ids"
)

// RetryPolicySnapshot is the RetryPolicy value captured at schedule time and
// carried verbatim in events/tasks, so replay never depends on a mutable
// external configuration.
type RetryPolicySnapshot struct {
	MaxAttempts         int      `json:"max_attempts"`
	InitialIntervalMS   int64    `json:"initial_interval_ms"`
	MaxIntervalMS       int64    `json:"max_interval_ms"`
	BackoffCoefficient  float64  `json:"backoff_coefficient"`
	Jitter              float64  `json:"jitter"`
	NonRetryableErrors  []string `json:"non_retryable_errors,omitempty"`
}

// ActivityOptionsSnapshot is the full set of per-activity options captured at
// ScheduleActivity time.
type ActivityOptionsSnapshot struct {
	RetryPolicy              RetryPolicySnapshot `json:"retry_policy"`
	ScheduleToStartTimeoutMS int64               `json:"schedule_to_start_timeout_ms"`
	StartToCloseTimeoutMS    int64               `json:"start_to_close_timeout_ms"`
	HeartbeatTimeoutMS       int64               `json:"heartbeat_timeout_ms"`
	CircuitBreakerKey        string              `json:"circuit_breaker_key,omitempty"`
	Priority                 int32               `json:"priority"`
}

type (
	// WorkflowStartedPayload is always the first event in a workflow's log.
	WorkflowStartedPayload struct {
		WorkflowType string          `json:"workflow_type"`
		Input        json.RawMessage `json:"input"`
	}

	// WorkflowCompletedPayload carries the workflow's final result.
	WorkflowCompletedPayload struct {
		Result json.RawMessage `json:"result"`
	}

	// WorkflowFailedPayload carries the terminal failure.
	WorkflowFailedPayload struct {
		Error string `json:"error"`
	}

	// WorkflowCancelledPayload carries the cancellation reason.
	WorkflowCancelledPayload struct {
		Reason string `json:"reason"`
	}

	// ActivityScheduledPayload records a ScheduleActivity action. TaskID
	// correlates back to the store.Task row so a later CancelActivity
	// action can find what to cancel without a separate lookup table.
	ActivityScheduledPayload struct {
		ActivityID   string                  `json:"activity_id"`
		ActivityType string                  `json:"activity_type"`
		Input        json.RawMessage         `json:"input"`
		Options      ActivityOptionsSnapshot `json:"options"`
		TaskID       ids.ID                  `json:"task_id"`
	}

	// ActivityStartedPayload records a worker picking up a task.
	ActivityStartedPayload struct {
		ActivityID string  `json:"activity_id"`
		WorkerID   string  `json:"worker_id"`
		Attempt    int     `json:"attempt"`
	}

	// ActivityCompletedPayload records a successful activity outcome.
	ActivityCompletedPayload struct {
		ActivityID string          `json:"activity_id"`
		Result     json.RawMessage `json:"result"`
		Attempt    int             `json:"attempt"`
	}

	// ActivityFailedPayload records a failed attempt. WillRetry distinguishes
	// a transient failure (more attempts remain) from an exhausted/
	// non-retryable one (will be followed by no further ActivityStarted for
	// this activity id).
	ActivityFailedPayload struct {
		ActivityID string `json:"activity_id"`
		Error      string `json:"error"`
		Attempt    int    `json:"attempt"`
		WillRetry  bool   `json:"will_retry"`
	}

	// ActivityTimedOutPayload records a schedule-to-start or start-to-close
	// timeout. Heartbeat-timeout reclaims do not append this event: they are
	// a lease reset, not a failed attempt (spec §4.5).
	ActivityTimedOutPayload struct {
		ActivityID string `json:"activity_id"`
		Kind       string `json:"kind"` // "schedule_to_start" | "start_to_close"
		Attempt    int    `json:"attempt"`
	}

	// ActivityCancelledPayload records cooperative cancellation honored by
	// the activity body.
	ActivityCancelledPayload struct {
		ActivityID string `json:"activity_id"`
		Reason     string `json:"reason"`
	}

	// TimerStartedPayload records a StartTimer action.
	TimerStartedPayload struct {
		TimerID  string    `json:"timer_id"`
		FireAt   time.Time `json:"fire_at"`
	}

	// TimerFiredPayload records a timer's expiration being delivered to the
	// workflow.
	TimerFiredPayload struct {
		TimerID string `json:"timer_id"`
	}

	// TimerCancelledPayload records a timer cancellation.
	TimerCancelledPayload struct {
		TimerID string `json:"timer_id"`
		Reason  string `json:"reason"`
	}

	// SignalReceivedPayload records a signal being consumed by an activation,
	// in per-workflow send order.
	SignalReceivedPayload struct {
		SignalID   ids.ID          `json:"signal_id"`
		SignalType string          `json:"signal_type"`
		Payload    json.RawMessage `json:"payload"`
		Sequence   int64           `json:"sequence_num"`
	}

	// ChildWorkflowStartedPayload records a ScheduleChildWorkflow action.
	ChildWorkflowStartedPayload struct {
		ChildID     string          `json:"child_id"`
		ChildWorkflowID ids.ID      `json:"child_workflow_id"`
		WorkflowType string         `json:"workflow_type"`
		Input       json.RawMessage `json:"input"`
	}

	// ChildWorkflowCompletedPayload records a child's successful terminal
	// state being observed by its parent.
	ChildWorkflowCompletedPayload struct {
		ChildID string          `json:"child_id"`
		Result  json.RawMessage `json:"result"`
	}

	// ChildWorkflowFailedPayload records a child's terminal failure being
	// observed by its parent.
	ChildWorkflowFailedPayload struct {
		ChildID string `json:"child_id"`
		Error   string `json:"error"`
	}

	// UnknownEventPayload preserves the raw discriminator and payload of an
	// event kind this build does not recognize, so the dedicated
	// unknown-event failure state (spec §9) can report what it choked on.
	UnknownEventPayload struct {
		DiscriminatorValue string          `json:"discriminator_value"`
		RawPayload         json.RawMessage `json:"raw_payload"`
	}
)
