// Package breaker implements the distributed three-state circuit breaker of
// spec.md §4.4: Closed, Open, and Half-Open, keyed by an opaque string
// (typically an activity type or external endpoint). State is persisted so
// every worker process shares one view; this package defines the pure state
// machine plus a coordinator that layers a read-through cache over a
// pluggable Store.
package breaker

import "time"

// State is one of the breaker's three admission states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitState is the persisted record for one breaker key.
//
// HalfOpenInFlight tracks concurrently admitted trial calls while in
// Half-Open; spec.md §9 Open Question 1 is resolved in favor of admitting up
// to Config.SuccessThreshold concurrent trials rather than exactly one (see
// SPEC_FULL.md §5), so the coordinator needs this counter to enforce that
// bound.
type CircuitState struct {
	Key              string
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenInFlight int
	LastFailureAt    *time.Time
	OpenedAt         *time.Time
	HalfOpenAt       *time.Time
	UpdatedAt        time.Time
}

// Closed returns the zero-value Closed state for a fresh key. UpdatedAt is
// left zero so Store.CompareAndSwap can tell "never persisted" (expected
// zero time) apart from any real transition.
func Closed(key string) CircuitState {
	return CircuitState{Key: key, State: StateClosed}
}

// Config holds the four tunables of spec.md §4.4/§6.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	WindowSize       time.Duration
}

// DefaultConfig matches the ten-failures-then-trip shape of spec.md §8
// scenario S6.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
		WindowSize:       time.Minute,
	}
}

// onFailure is the pure transition applied when a call against s fails, at
// time now. Closed -> Open once FailureThreshold is reached within
// WindowSize; Half-Open -> Open immediately on any failure (counters reset).
func onFailure(s CircuitState, cfg Config, now time.Time) CircuitState {
	previousFailureAt := s.LastFailureAt
	s.LastFailureAt = &now
	s.UpdatedAt = now

	switch s.State {
	case StateClosed:
		if previousFailureAt != nil && now.Sub(*previousFailureAt) > cfg.WindowSize {
			s.FailureCount = 0
		}
		s.FailureCount++
		if s.FailureCount >= cfg.FailureThreshold {
			s.State = StateOpen
			s.OpenedAt = &now
			s.FailureCount = 0
		}
		return s
	case StateHalfOpen:
		s.State = StateOpen
		s.OpenedAt = &now
		s.FailureCount = 0
		s.SuccessCount = 0
		s.HalfOpenInFlight = 0
		return s
	case StateOpen:
		// Already open; a straggling trial's failure only refreshes the
		// timestamps set above, leaving state and counters as they are.
		return s
	default:
		return s
	}
}

// onSuccess is the pure transition applied when a call against s succeeds.
// Half-Open -> Closed once SuccessThreshold consecutive successes accrue;
// Closed resets its failure streak on any success within the window.
func onSuccess(s CircuitState, cfg Config, now time.Time) CircuitState {
	s.UpdatedAt = now

	switch s.State {
	case StateClosed:
		s.FailureCount = 0
		return s
	case StateHalfOpen:
		s.SuccessCount++
		if s.HalfOpenInFlight > 0 {
			s.HalfOpenInFlight--
		}
		if s.SuccessCount >= cfg.SuccessThreshold {
			s.State = StateClosed
			s.FailureCount = 0
			s.SuccessCount = 0
			s.HalfOpenInFlight = 0
			s.OpenedAt = nil
			s.HalfOpenAt = nil
		}
		return s
	case StateOpen:
		// A straggling trial succeeded after the breaker already reset;
		// ignore, the next Allow call will re-evaluate from Open.
		return s
	default:
		return s
	}
}

// tryTransitionToHalfOpen is the pure transition checked on every Allow
// call while the breaker is Open: once now is past opened_at+reset_timeout,
// the first caller (and up to SuccessThreshold-1 more, per the concurrent
// trial-admission resolution) flips the breaker to Half-Open.
func tryTransitionToHalfOpen(s CircuitState, cfg Config, now time.Time) CircuitState {
	if s.State != StateOpen || s.OpenedAt == nil {
		return s
	}
	if now.Before(s.OpenedAt.Add(cfg.ResetTimeout)) {
		return s
	}
	s.State = StateHalfOpen
	s.HalfOpenAt = &now
	s.SuccessCount = 0
	s.HalfOpenInFlight = 0
	s.UpdatedAt = now
	return s
}

// NextRetryAt reports when a rejected caller should be told to retry: for
// Open, opened_at+reset_timeout; otherwise now (no useful hint).
func NextRetryAt(s CircuitState, cfg Config, now time.Time) time.Time {
	if s.State == StateOpen && s.OpenedAt != nil {
		return s.OpenedAt.Add(cfg.ResetTimeout)
	}
	return now
}
