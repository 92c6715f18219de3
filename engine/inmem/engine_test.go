package inmem

import (
	"context"
	"testing"
	"time"

	"goa.design/durableflow/engine"
)

func TestActivityExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "echo",
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "echo_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var out string
			if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{Name: "echo", Input: input}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "echo_workflow",
		Input:    "hello",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var result string
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if result != "hello" {
		t.Errorf("expected %q, got %q", "hello", result)
	}
}

func TestAsyncActivityFuture(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			n, _ := input.(int)
			return n * 2, nil
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "double_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			fut, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{Name: "double", Input: input})
			if err != nil {
				return nil, err
			}
			var out int
			if err := fut.Get(wfCtx.Context(), &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-2",
		Workflow: "double_workflow",
		Input:    21,
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var result int
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

func TestSignalDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "signal_workflow",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			var received string
			if err := wfCtx.SignalChannel("greeting").Receive(wfCtx.Context(), &received); err != nil {
				return nil, err
			}
			return received, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-3",
		Workflow: "signal_workflow",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	if err := handle.Signal(ctx, "greeting", "hi there"); err != nil {
		t.Fatalf("signal workflow: %v", err)
	}

	var result string
	if err := handle.Wait(ctx, &result); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if result != "hi there" {
		t.Errorf("expected %q, got %q", "hi there", result)
	}
}
