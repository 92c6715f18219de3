// Package workerpool implements the WorkerPool spec.md §4.6 describes: one
// worker process claiming tasks from the shared queue, running up to
// max_concurrency of them at once, heartbeating each in-flight attempt,
// consulting a circuit breaker before execution, and reactivating the
// owning workflow through executor.Executor on every outcome.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/durableflow/breaker"
	"goa.design/durableflow/enginerr"
	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/telemetry"
)

// Store is the slice of store.EventStore a Pool needs: the task queue plus
// the worker registry.
type Store interface {
	store.TaskQueueStore
	store.WorkerStore
}

// Reactivator is the slice of executor.Executor a Pool needs to reactivate
// a workflow after an activity outcome. It's a local interface (as
// timeoutmanager.Reactivator is) so this package builds and tests
// independently of executor.
type Reactivator interface {
	ActivityStarted(ctx context.Context, workflowID ids.ID, activityID, workerID string, attempt int) error
	ActivityCompleted(ctx context.Context, workflowID ids.ID, activityID string, result json.RawMessage, attempt int) error
	ActivityFailed(ctx context.Context, workflowID ids.ID, activityID string, errMsg string, attempt int) error
	RecordTransientFailure(ctx context.Context, workflowID ids.ID, activityID, errMsg string, attempt int) error
}

// Pool is one worker process (spec.md §4.6). Coordination across worker
// processes is purely through Store; a Pool never talks to another Pool
// directly.
type Pool struct {
	store       Store
	reactivator Reactivator
	handlers    *HandlerRegistry
	breaker     *breaker.Breaker // nil disables breaker consultation entirely
	cfg         Config
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	tracer      telemetry.Tracer
	now         func() time.Time

	mu        sync.Mutex
	load      int
	accepting bool
	cancels   map[ids.ID]context.CancelFunc

	eg *errgroup.Group
}

// New constructs a Pool. br may be nil to skip circuit-breaker
// consultation entirely (e.g. a worker handling only activity types that
// carry no CircuitBreakerKey).
func New(s Store, reactivator Reactivator, handlers *HandlerRegistry, br *breaker.Breaker, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Pool {
	cfg = cfg.withDefaults()
	eg := &errgroup.Group{}
	eg.SetLimit(cfg.MaxConcurrency)
	return &Pool{
		store:       s,
		reactivator: reactivator,
		handlers:    handlers,
		breaker:     br,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		now:         func() time.Time { return time.Now().UTC() },
		accepting:   true,
		cancels:     make(map[ids.ID]context.CancelFunc),
		eg:          eg,
	}
}

// Run registers the worker, then polls and executes until ctx is
// cancelled, at which point it drains in-flight activities before
// returning (spec.md §4.6's graceful-drain clause).
func (p *Pool) Run(ctx context.Context) error {
	worker := store.Worker{
		ID:              p.cfg.WorkerID,
		Group:           p.cfg.Group,
		ActivityTypes:   p.cfg.ActivityTypes,
		MaxConcurrency:  p.cfg.MaxConcurrency,
		Status:          store.WorkerActive,
		StartedAt:       p.now(),
		LastHeartbeatAt: p.now(),
		AcceptingTasks:  true,
	}
	if err := p.store.RegisterWorker(ctx, worker); err != nil {
		return fmt.Errorf("workerpool: register worker: %w", err)
	}

	registryTicker := time.NewTicker(p.cfg.HeartbeatRegistryInterval)
	defer registryTicker.Stop()

	backoff := p.cfg.PollInterval
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.drain(context.Background())
		case <-registryTicker.C:
			p.reportHeartbeat(ctx)
		case <-pollTimer.C:
			if p.pollOnce(ctx) {
				backoff = p.cfg.PollInterval
			} else {
				backoff *= 2
				if backoff > p.cfg.EmptyPollBackoffMax {
					backoff = p.cfg.EmptyPollBackoffMax
				}
			}
			pollTimer.Reset(backoff)
		}
	}
}

// pollOnce claims and spawns one batch; it reports whether any task was
// claimed, which drives the empty-poll backoff (spec.md §4.6 step 1-2).
func (p *Pool) pollOnce(ctx context.Context) bool {
	if !p.isAccepting() {
		return false
	}
	free := p.freeCapacity()
	if free <= 0 {
		return false
	}
	batch := free
	if p.cfg.BaseBatchSize < batch {
		batch = p.cfg.BaseBatchSize
	}
	tasks, err := p.store.Claim(ctx, p.cfg.WorkerID, p.cfg.ActivityTypes, batch)
	if err != nil {
		p.logger.Error(ctx, "workerpool: claim", "error", err)
		return false
	}
	for _, task := range tasks {
		p.execute(task)
	}
	return len(tasks) > 0
}

// execute spawns one activity attempt bound to a concurrency slot (spec.md
// §4.6 step 3). The activity's own context is independent of ctx: it must
// outlive the poll loop's iteration and is only ever cancelled by the
// heartbeat goroutine or by drain.
func (p *Pool) execute(task store.Task) {
	p.addLoad(1)
	taskCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()

	p.eg.Go(func() error {
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.cancels, task.ID)
			p.mu.Unlock()
			p.addLoad(-1)
		}()
		p.runOne(taskCtx, task)
		return nil
	})
}

// runOne executes a single claimed task: heartbeat, breaker, handler
// dispatch, then routes the outcome (spec.md §4.6 steps 3-5).
func (p *Pool) runOne(ctx context.Context, task store.Task) {
	stopHeartbeat := p.startHeartbeat(task)
	defer stopHeartbeat()

	if err := p.reactivator.ActivityStarted(ctx, task.WorkflowID, task.ActivityID, p.cfg.WorkerID, task.Attempt); err != nil {
		p.logger.Error(ctx, "workerpool: record activity started", "task_id", task.ID.String(), "error", err)
	}

	breakerKey := task.Options.CircuitBreakerKey
	if breakerKey == "" {
		breakerKey = task.ActivityType
	}
	if p.breaker != nil {
		decision, err := p.breaker.Allow(ctx, breakerKey)
		if err != nil {
			p.logger.Error(ctx, "workerpool: breaker allow", "key", breakerKey, "error", err)
		} else if !decision.Admitted {
			p.failAttempt(ctx, task, enginerr.New(enginerr.KindCircuitOpen, "circuit open for "+breakerKey).Error())
			return
		}
	}

	handler, ok := p.handlers.Lookup(task.ActivityType)
	if !ok {
		p.failAttempt(ctx, task, (&UnregisteredActivityTypeError{ActivityType: task.ActivityType}).Error())
		return
	}

	result, err := handler(ctx, task.ActivityType, task.Input)
	if err != nil {
		if p.breaker != nil {
			if berr := p.breaker.RecordFailure(ctx, breakerKey); berr != nil {
				p.logger.Error(ctx, "workerpool: breaker record failure", "key", breakerKey, "error", berr)
			}
		}
		p.failAttempt(ctx, task, err.Error())
		return
	}
	if p.breaker != nil {
		if berr := p.breaker.RecordSuccess(ctx, breakerKey); berr != nil {
			p.logger.Error(ctx, "workerpool: breaker record success", "key", breakerKey, "error", berr)
		}
	}

	if err := p.store.CompleteTask(ctx, task.ID, result); err != nil {
		p.logger.Error(ctx, "workerpool: complete task", "task_id", task.ID.String(), "error", err)
		return
	}
	if err := p.reactivator.ActivityCompleted(ctx, task.WorkflowID, task.ActivityID, result, task.Attempt); err != nil {
		p.logger.Error(ctx, "workerpool: reactivate after completion", "workflow_id", task.WorkflowID.String(), "error", err)
	}
	p.metrics.IncCounter("workerpool.activity_completed", 1, "activity_type", task.ActivityType)
}

// failAttempt routes a failed attempt through store.FailTask and honors
// its routing (spec.md §4.6 step 5): a will-retry outcome only logs the
// attempt, an exhausted/non-retryable one reaches OnActivityFailed.
func (p *Pool) failAttempt(ctx context.Context, task store.Task, errMsg string) {
	outcome, _, err := p.store.FailTask(ctx, task.ID, errMsg)
	if err != nil {
		p.logger.Error(ctx, "workerpool: fail task", "task_id", task.ID.String(), "error", err)
		return
	}
	var reactErr error
	if outcome == store.OutcomeRetry {
		reactErr = p.reactivator.RecordTransientFailure(ctx, task.WorkflowID, task.ActivityID, errMsg, task.Attempt)
	} else {
		reactErr = p.reactivator.ActivityFailed(ctx, task.WorkflowID, task.ActivityID, errMsg, task.Attempt)
	}
	if reactErr != nil {
		p.logger.Error(ctx, "workerpool: reactivate after failure", "workflow_id", task.WorkflowID.String(), "error", reactErr)
	}
	p.metrics.IncCounter("workerpool.activity_failed", 1, "activity_type", task.ActivityType, "outcome", string(outcome))
}

// startHeartbeat ticks at the task's heartbeat_timeout/3 (spec.md §4.6 step
// 3), cancelling the activity's context the moment the store reports the
// lease is gone (reclaimed) or cancellation was requested.
func (p *Pool) startHeartbeat(task store.Task) func() {
	timeout := task.Options.HeartbeatTimeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultHeartbeatTimeout
	}
	interval := timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				found, cancelRequested, err := p.store.Heartbeat(context.Background(), task.ID, p.cfg.WorkerID)
				if err != nil {
					p.logger.Error(context.Background(), "workerpool: heartbeat", "task_id", task.ID.String(), "error", err)
					continue
				}
				if !found || cancelRequested {
					p.cancelTask(task.ID)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) cancelTask(taskID ids.ID) {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) addLoad(delta int) {
	p.mu.Lock()
	p.load += delta
	load, capacity := p.load, p.cfg.MaxConcurrency
	p.mu.Unlock()
	p.updateAccepting(load, capacity)
}

// updateAccepting implements spec.md §4.6's backpressure hysteresis:
// accepting flips false at high_watermark and back to true only once load
// has fallen to low_watermark, so the pool doesn't flap at the boundary.
func (p *Pool) updateAccepting(load, capacity int) {
	ratio := float64(load) / float64(capacity)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepting && ratio >= p.cfg.HighWatermark {
		p.accepting = false
	} else if !p.accepting && ratio <= p.cfg.LowWatermark {
		p.accepting = true
	}
}

func (p *Pool) isAccepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepting
}

func (p *Pool) freeCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxConcurrency - p.load
}

func (p *Pool) reportHeartbeat(ctx context.Context) {
	p.mu.Lock()
	load, accepting := p.load, p.accepting
	p.mu.Unlock()
	reason := ""
	if !accepting {
		reason = "high_watermark"
	}
	if err := p.store.UpdateWorkerHeartbeat(ctx, p.cfg.WorkerID, load, accepting, reason); err != nil {
		p.logger.Error(ctx, "workerpool: update worker heartbeat", "error", err)
	}
}

// drain marks the worker draining, stops accepting new claims, cancels the
// contexts of in-flight activities, and waits up to cfg.DrainDeadline for
// them before returning regardless (spec.md §4.6's graceful-drain clause).
func (p *Pool) drain(ctx context.Context) error {
	if err := p.store.RequestDrain(ctx, p.cfg.WorkerID); err != nil {
		p.logger.Warn(ctx, "workerpool: request drain", "error", err)
	}
	p.mu.Lock()
	p.accepting = false
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.DrainDeadline):
		p.logger.Warn(ctx, "workerpool: drain deadline exceeded, exiting with activities still in flight")
		return nil
	}
}
