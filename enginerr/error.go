// Package enginerr provides the engine's closed error taxonomy. Every error
// the engine surfaces across a transaction, a task claim, an activity
// execution, or a workflow activation is one of the seven kinds below, so
// callers can branch with errors.As instead of string matching.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the seven error classes defined in spec.md §7.
type Kind int

const (
	// KindTransient is a retryable DB/network hiccup. Retried with backoff
	// at the call site; surfaced to the caller only once retries exhaust.
	KindTransient Kind = iota
	// KindNonRetryable is a business-level failure the activity author
	// labeled non-retryable; remaining attempts are skipped.
	KindNonRetryable
	// KindCircuitOpen means a breaker refused the call.
	KindCircuitOpen
	// KindTimedOut covers schedule-to-start, start-to-close, and heartbeat
	// expirations. See TimeoutKind for which.
	KindTimedOut
	// KindDeterminismViolation means replay disagreed with the persisted
	// log; fatal for the workflow.
	KindDeterminismViolation
	// KindCancelled means cooperative cancellation was honored.
	KindCancelled
	// KindEngine is a bug or invariant violation in the engine itself; never
	// swallowed, always alerted.
	KindEngine
)

// String renders a Kind for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNonRetryable:
		return "non_retryable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimedOut:
		return "timed_out"
	case KindDeterminismViolation:
		return "determinism_violation"
	case KindCancelled:
		return "cancelled"
	case KindEngine:
		return "engine"
	default:
		return "unknown"
	}
}

// TimeoutKind further discriminates KindTimedOut errors.
type TimeoutKind int

const (
	// TimeoutScheduleToStart fires when a task sits pending too long.
	TimeoutScheduleToStart TimeoutKind = iota
	// TimeoutStartToClose fires when a claimed task runs too long.
	TimeoutStartToClose
	// TimeoutHeartbeat fires when a claimed task stops heartbeating.
	TimeoutHeartbeat
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutScheduleToStart:
		return "schedule_to_start"
	case TimeoutStartToClose:
		return "start_to_close"
	case TimeoutHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Error is a structured engine failure. It preserves a cause chain so
// errors.Is/As keep working across retries and transaction boundaries, the
// same shape the teacher's ToolError uses for tool failures.
type Error struct {
	Kind    Kind
	Message string
	// Timeout is populated only when Kind == KindTimedOut.
	Timeout TimeoutKind
	// WillRetry reports whether the engine intends to retry after this
	// error (only meaningful for KindTransient/KindTimedOut).
	WillRetry bool
	Cause     error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Timedout constructs a KindTimedOut error for the given timeout dimension.
func Timedout(timeout TimeoutKind, willRetry bool) *Error {
	return &Error{
		Kind:      KindTimedOut,
		Message:   fmt.Sprintf("%s timeout exceeded", timeout),
		Timeout:   timeout,
		WillRetry: willRetry,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As across the cause chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target shares the same Kind, so callers can write
// errors.Is(err, enginerr.New(enginerr.KindTransient, "")) to test kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindEngine for unrecognized errors so callers always get a kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngine
}

// IsRetryable reports whether the engine should ever retry this error class.
// NonRetryable and DeterminismViolation are never retried regardless of the
// task's RetryPolicy.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNonRetryable, KindDeterminismViolation:
		return false
	default:
		return true
	}
}
