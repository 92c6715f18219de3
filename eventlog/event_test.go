package eventlog_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
)

func TestNewEventRoundTripsPayload(t *testing.T) {
	wfID := ids.New()
	payload := eventlog.WorkflowStartedPayload{WorkflowType: "echo", Input: json.RawMessage(`{"x":1}`)}
	event, err := eventlog.NewEvent(wfID, 0, eventlog.KindWorkflowStarted, payload, nil)
	require.NoError(t, err)

	var decoded eventlog.WorkflowStartedPayload
	require.NoError(t, event.Decode(&decoded))
	assert.Equal(t, payload.WorkflowType, decoded.WorkflowType)
	assert.JSONEq(t, string(payload.Input), string(decoded.Input))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, eventlog.KindWorkflowCompleted.IsTerminal())
	assert.True(t, eventlog.KindWorkflowFailed.IsTerminal())
	assert.True(t, eventlog.KindWorkflowCancelled.IsTerminal())
	assert.False(t, eventlog.KindActivityCompleted.IsTerminal())
}

func TestClassifyUnknownKind(t *testing.T) {
	assert.Equal(t, eventlog.KindWorkflowStarted, eventlog.Classify("workflow_started"))
	assert.Equal(t, eventlog.KindUnknown, eventlog.Classify("some_future_event"))
}

func TestMemStoreAppendRequiresDenseSequence(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemStore()
	wfID := ids.New()

	e0, err := eventlog.NewEvent(wfID, 0, eventlog.KindWorkflowStarted, eventlog.WorkflowStartedPayload{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e0))

	e2, err := eventlog.NewEvent(wfID, 2, eventlog.KindActivityScheduled, eventlog.ActivityScheduledPayload{}, nil)
	require.NoError(t, err)
	err = store.Append(ctx, e2)
	assert.ErrorIs(t, err, eventlog.ErrSequenceConflict)

	e1, err := eventlog.NewEvent(wfID, 1, eventlog.KindActivityScheduled, eventlog.ActivityScheduledPayload{ActivityID: "a"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e1))

	latest, err := store.LatestSequence(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestMemStoreRefusesAppendAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemStore()
	wfID := ids.New()

	e0, _ := eventlog.NewEvent(wfID, 0, eventlog.KindWorkflowStarted, eventlog.WorkflowStartedPayload{}, nil)
	require.NoError(t, store.Append(ctx, e0))
	e1, _ := eventlog.NewEvent(wfID, 1, eventlog.KindWorkflowCompleted, eventlog.WorkflowCompletedPayload{}, nil)
	require.NoError(t, store.Append(ctx, e1))

	e2, _ := eventlog.NewEvent(wfID, 2, eventlog.KindActivityScheduled, eventlog.ActivityScheduledPayload{}, nil)
	err := store.Append(ctx, e2)
	assert.Error(t, err)
}

func TestMemStoreListPaginates(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemStore()
	wfID := ids.New()

	for i := int64(0); i < 5; i++ {
		e, err := eventlog.NewEvent(wfID, i, eventlog.KindActivityScheduled, eventlog.ActivityScheduledPayload{}, nil)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, e))
	}

	page, err := store.List(ctx, wfID, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.NotEmpty(t, page.NextCursor)

	page2, err := store.List(ctx, wfID, page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, page2.Events, 3)
	assert.Empty(t, page2.NextCursor)
}

func TestValidatorRejectsMissingFields(t *testing.T) {
	v, err := eventlog.NewValidator()
	require.NoError(t, err)

	err = v.ValidateEnvelope([]byte(`{"workflow_id":"abc"}`))
	assert.Error(t, err)
}

func TestValidatorAcceptsWellFormedEnvelope(t *testing.T) {
	v, err := eventlog.NewValidator()
	require.NoError(t, err)

	wfID := ids.New()
	e, err := eventlog.NewEvent(wfID, 0, eventlog.KindWorkflowStarted, eventlog.WorkflowStartedPayload{WorkflowType: "echo"}, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	assert.NoError(t, v.ValidateEnvelope(raw))
}
