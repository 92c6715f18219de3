package enginerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/durableflow/enginerr"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := enginerr.Wrap(enginerr.KindTransient, cause, "dial postgres")
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "dial postgres")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUnwrapSupportsErrorsIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := enginerr.Wrap(enginerr.KindEngine, sentinel, "boom")
	assert.ErrorIs(t, err, sentinel)
}

func TestIsComparesKindOnly(t *testing.T) {
	a := enginerr.New(enginerr.KindCircuitOpen, "breaker open for payments")
	b := enginerr.New(enginerr.KindCircuitOpen, "breaker open for inventory")
	assert.True(t, a.Is(b))

	c := enginerr.New(enginerr.KindTransient, "breaker open for payments")
	assert.False(t, a.Is(c))
}

func TestKindOfDefaultsToEngine(t *testing.T) {
	assert.Equal(t, enginerr.KindEngine, enginerr.KindOf(errors.New("plain")))
	assert.Equal(t, enginerr.KindTransient, enginerr.KindOf(enginerr.New(enginerr.KindTransient, "x")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, enginerr.IsRetryable(enginerr.New(enginerr.KindTransient, "x")))
	assert.True(t, enginerr.IsRetryable(enginerr.New(enginerr.KindTimedOut, "x")))
	assert.False(t, enginerr.IsRetryable(enginerr.New(enginerr.KindNonRetryable, "x")))
	assert.False(t, enginerr.IsRetryable(enginerr.New(enginerr.KindDeterminismViolation, "x")))
}

func TestTimedoutCarriesDimension(t *testing.T) {
	err := enginerr.Timedout(enginerr.TimeoutHeartbeat, false)
	assert.Equal(t, enginerr.KindTimedOut, err.Kind)
	assert.Equal(t, enginerr.TimeoutHeartbeat, err.Timeout)
	assert.False(t, err.WillRetry)
}
