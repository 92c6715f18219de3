// Package retry implements the pure RetryPolicy functions of spec.md §4.3:
// attempt delay computation and non-retryable error classification. Nothing
// in this package touches the database, the clock (beyond the jitter random
// source), or any task state — callers persist the policy alongside each
// task and call NextDelay with the attempt number they're about to retry.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/durableflow/workflow"
)

// NextDelay computes the delay before attempt k (1-based) of policy p:
// base = initial_interval * backoff_coefficient^(k-1), capped at
// max_interval, then independently jittered by +/- policy.Jitter.
//
// It is built on cenkalti/backoff's ExponentialBackOff, whose
// RandomizationFactor implements exactly the "multiply by 1 + U(-1,1) *
// jitter" formula spec.md §4.3 calls for. A fresh ExponentialBackOff is
// constructed per call so the computation stays a pure function of
// (p, k): no state survives across calls, and each attempt's jitter draw
// is independent.
func NextDelay(p workflow.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(orDefault(p.InitialInterval, time.Second)),
		backoff.WithMaxInterval(orDefault(p.MaxInterval, time.Minute)),
		backoff.WithMultiplier(orDefaultFloat(p.BackoffCoefficient, 2.0)),
		backoff.WithRandomizationFactor(clampJitter(p.Jitter)),
		backoff.WithMaxElapsedTime(0),
	)

	var delay time.Duration
	for k := 0; k < attempt; k++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			delay = orDefault(p.MaxInterval, time.Minute)
			break
		}
	}
	return delay
}

// IsNonRetryable reports whether errClass (an error classification string,
// typically the enginerr.Kind rendered as text or an activity-supplied
// error code) matches one of p's configured non-retryable classes.
func IsNonRetryable(p workflow.RetryPolicy, errClass string) bool {
	for _, c := range p.NonRetryableErrors {
		if c == errClass {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether attempt (the attempt about to be made, after
// incrementing) is still within p's MaxAttempts budget.
func ShouldRetry(p workflow.RetryPolicy, attempt int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt <= p.MaxAttempts
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultFloat(f, def float64) float64 {
	if f <= 0 {
		return def
	}
	return f
}

// clampJitter keeps RandomizationFactor within cenkalti/backoff's expected
// [0, 1] domain; spec.md §4.3 defines jitter on that same range.
func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}
