package main

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/durableflow/engine"
	"goa.design/durableflow/engine/inmem"
	"goa.design/durableflow/telemetry"
)

// runInmem runs durableworkerd against the in-memory engine instead of the
// Postgres-backed durable.Engine. It links no durable store, admin surface,
// or timeout sweeper: the in-memory backend has no replay log for the admin
// API to inspect, so this mode exists purely for local development and
// demos, not as a production deployment target.
//
// It registers a single echo workflow/activity pair, starts one execution,
// waits for the result, and logs it. Operators building on durableworkerd
// can follow this file's shape to register their own workflow/activity
// definitions against engine.Engine instead of durable.Options when they
// want to iterate without a database.
func runInmem(ctx context.Context, logger telemetry.Logger) error {
	eng := inmem.New()

	const activityName = "durableworkerd.echo"
	const workflowName = "durableworkerd.echo_workflow"

	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: activityName,
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	}); err != nil {
		return fmt.Errorf("durableworkerd: register inmem activity: %w", err)
	}

	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: workflowName,
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var out string
			err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
				Name:  activityName,
				Input: input,
			}, &out)
			return out, err
		},
	}); err != nil {
		return fmt.Errorf("durableworkerd: register inmem workflow: %w", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "inmem-demo",
		Workflow: workflowName,
		Input:    "hello from durableworkerd --backend inmem",
	})
	if err != nil {
		return fmt.Errorf("durableworkerd: start inmem demo workflow: %w", err)
	}

	var result string
	if err := handle.Wait(ctx, &result); err != nil {
		return fmt.Errorf("durableworkerd: inmem demo workflow failed: %w", err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("durableworkerd: encode inmem demo result: %w", err)
	}
	logger.Info(ctx, "inmem demo workflow completed", "workflow_id", "inmem-demo", "result", string(encoded))
	return nil
}
