// Package durable is the production engine.Engine implementation: the one
// that actually replays workflow.Workflow state machines through
// executor.Executor against a store.EventStore, dispatches activities
// through a workerpool.Pool, and sweeps timeouts with a
// timeoutmanager.Manager. engine/inmem exists for local development and
// tests, selectable as a dev-mode backend by cmd/durableworkerd; this is the
// backend spec.md §4 actually describes end to end.
//
// Workflow registration here is intentionally not symmetric with
// engine/inmem: that engine runs an engine.WorkflowFunc closure directly,
// blocking on ExecuteActivity/SignalChannel calls from a live goroutine. The
// replay executor has no such goroutine — a workflow.Workflow is a pure
// state machine reconstructed fresh on every activation — so a durable
// Engine's workflows are registered natively through RegisterWorkflowType
// with a workflow.Factory, not through the closure-shaped
// engine.Engine.RegisterWorkflow. That method still exists to satisfy the
// interface (so code written against engine.Engine composes across
// backends) but rejects any definition it cannot run.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/engine"
	"goa.design/durableflow/enginerr"
	"goa.design/durableflow/executor"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/signalbus"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/timeoutmanager"
	"goa.design/durableflow/workerpool"
	"goa.design/durableflow/workflow"
)

// DefaultWaitPollInterval is how often WorkflowHandle.Wait re-reads the
// instance row while waiting for a terminal status, absent a faster
// notification path (spec.md §4.2 keeps polling as the baseline; a
// LISTEN/NOTIFY fast path belongs to store/postgres, not here).
const DefaultWaitPollInterval = 200 * time.Millisecond

// Options configures a durable Engine. Store is the only required field;
// Worker and TimeoutManager default to their own package defaults when
// zero-valued, matching workerpool.Config.withDefaults and
// timeoutmanager.Config's own defaulting.
type Options struct {
	Store            store.EventStore
	Worker           workerpool.Config
	Breaker          *breaker.Breaker // nil disables circuit-breaker consultation
	TimeoutManager   timeoutmanager.Config
	WaitPollInterval time.Duration
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
	Tracer           telemetry.Tracer
	// ReplayIDsOnly relaxes the Executor's replayed-ScheduleActivity
	// comparison to activity ids only, skipping type/input comparison
	// entirely. Default false runs executor.ReplayStrict (structural JSON
	// equality with type coercion).
	ReplayIDsOnly bool
}

// Engine wires together executor.Executor, workerpool.Pool,
// timeoutmanager.Manager, and signalbus.Bus into one engine.Engine-shaped
// process.
type Engine struct {
	store      store.EventStore
	registry   *workflow.Registry
	executor   *executor.Executor
	handlers   *workerpool.HandlerRegistry
	pool       *workerpool.Pool
	timeouts   *timeoutmanager.Manager
	bus        *signalbus.Bus
	timerQueue *timerClaimant

	waitPollInterval time.Duration
	logger           telemetry.Logger
	metrics          telemetry.Metrics
	tracer           telemetry.Tracer
}

// New constructs a durable Engine. It does not start polling: call Run to
// begin claiming tasks, sweeping timeouts, and firing timers.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine/durable: Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	waitPoll := opts.WaitPollInterval
	if waitPoll <= 0 {
		waitPoll = DefaultWaitPollInterval
	}

	var execOpts []executor.Option
	if opts.ReplayIDsOnly {
		execOpts = append(execOpts, executor.WithReplayMode(executor.ReplayIDsOnly))
	}
	registry := workflow.NewRegistry()
	exec := executor.New(opts.Store, registry, logger, metrics, tracer, execOpts...)
	handlers := workerpool.NewHandlerRegistry()
	bus := signalbus.New(opts.Store, exec)

	pool := workerpool.New(opts.Store, exec, handlers, opts.Breaker, opts.Worker, logger, metrics, tracer)
	timeouts := timeoutmanager.New(opts.Store, exec, opts.TimeoutManager, logger, metrics, tracer)
	claimant := newTimerClaimant(opts.Store, exec, logger, opts.Worker.WorkerID)

	return &Engine{
		store:            opts.Store,
		registry:         registry,
		executor:         exec,
		handlers:         handlers,
		pool:             pool,
		timeouts:         timeouts,
		bus:              bus,
		timerQueue:       claimant,
		waitPollInterval: waitPoll,
		logger:           logger,
		metrics:          metrics,
		tracer:           tracer,
	}, nil
}

// Run starts the worker pool, the timeout manager sweep, and the internal
// timer claimant, returning once ctx is cancelled and all three have
// drained (spec.md §4.6's graceful-drain clause applies transitively
// through workerpool.Pool.Run).
func (e *Engine) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return e.pool.Run(ctx) })
	eg.Go(func() error { return e.timeouts.Run(ctx) })
	eg.Go(func() error { return e.timerQueue.run(ctx) })
	return eg.Wait()
}

// Bus returns the signalbus.Bus backing this Engine's Signal/Cancel calls,
// so a host process (cmd/durableworkerd) can wire the same bus into
// admin.New instead of constructing a second, disconnected one.
func (e *Engine) Bus() *signalbus.Bus { return e.bus }

// RegisterWorkflowType binds workflowType to factory in the replay
// registry. This is the durable engine's native registration path; use it
// instead of RegisterWorkflow for workflows that implement
// workflow.Workflow directly.
func (e *Engine) RegisterWorkflowType(workflowType string, factory workflow.Factory) error {
	if workflowType == "" || factory == nil {
		return errors.New("engine/durable: workflow type and factory are required")
	}
	e.registry.Register(workflowType, factory)
	return nil
}

// RegisterWorkflow satisfies engine.Engine. A durable Engine cannot run a
// closure-shaped engine.WorkflowFunc: the replay executor only ever
// constructs a workflow.Workflow from persisted input and calls its On*
// handlers, never a blocking function with a goroutine of its own. Use
// RegisterWorkflowType instead.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	return fmt.Errorf("engine/durable: %q must be registered via RegisterWorkflowType with a workflow.Factory, not RegisterWorkflow (replay workflows are state machines, not closures)", def.Name)
}

// RegisterActivity registers def.Handler as a workerpool.Handler. Unlike
// workflows, activities genuinely bridge: def.Handler's untyped
// (any, error) signature round-trips cleanly through json.RawMessage.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("engine/durable: invalid activity definition")
	}
	e.handlers.Register(def.Name, func(ctx context.Context, _ string, input json.RawMessage) (json.RawMessage, error) {
		result, err := def.Handler(ctx, input)
		if err != nil {
			return nil, err
		}
		if raw, ok := result.(json.RawMessage); ok {
			return raw, nil
		}
		if result == nil {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(result)
	})
	return nil
}

// StartWorkflow creates and starts a new workflow instance. req.ID, if
// non-empty, must parse as an ids.ID (the engine's identifier type is a
// UUID, unlike engine/inmem's arbitrary strings); a blank req.ID generates
// a fresh one.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	id, err := resolveID(req.ID)
	if err != nil {
		return nil, err
	}
	input, err := marshalInput(req.Input)
	if err != nil {
		return nil, fmt.Errorf("engine/durable: marshal input: %w", err)
	}
	if _, err := e.executor.StartWorkflow(ctx, id, req.Workflow, input); err != nil {
		return nil, err
	}
	return &workflowHandle{id: id, engine: e}, nil
}

func resolveID(requested string) (ids.ID, error) {
	if requested == "" {
		return ids.New(), nil
	}
	id, err := ids.Parse(requested)
	if err != nil {
		return ids.Nil, fmt.Errorf("engine/durable: workflow id %q is not a valid identifier: %w", requested, err)
	}
	return id, nil
}

func marshalInput(input any) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(input)
}

// workflowHandle implements engine.WorkflowHandle against a durable
// Engine's store, polling for the instance's terminal status since there
// is no in-process goroutine to block on (unlike engine/inmem's channel
// close).
type workflowHandle struct {
	id     ids.ID
	engine *Engine
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	ticker := time.NewTicker(h.engine.waitPollInterval)
	defer ticker.Stop()
	for {
		inst, err := h.engine.store.GetInstance(ctx, h.id)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return terminalResult(inst, result)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminalResult(inst *workflow.Instance, result any) error {
	switch inst.Status {
	case workflow.StatusCompleted:
		if result == nil || len(inst.Result) == 0 {
			return nil
		}
		return json.Unmarshal(inst.Result, result)
	case workflow.StatusCancelled:
		return enginerr.New(enginerr.KindCancelled, inst.Error)
	default:
		return enginerr.New(enginerr.KindNonRetryable, inst.Error)
	}
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	raw, err := marshalInput(payload)
	if err != nil {
		return fmt.Errorf("engine/durable: marshal signal payload: %w", err)
	}
	_, err = h.engine.bus.Send(ctx, h.id, name, raw)
	return err
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	_, err := h.engine.bus.Cancel(ctx, h.id)
	return err
}
