package breaker

import (
	"context"
	"fmt"
	"time"
)

// Breaker coordinates reads and transitions against a Store, optionally
// read-through cached. It retries its own compare-and-swap on ErrConflict
// since two workers racing to trip or reset the same key is expected under
// load, not exceptional.
type Breaker struct {
	store  Store
	cache  Cache
	cfg    Config
	now    func() time.Time
	maxRetries int
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithCache attaches a read-through Cache (e.g. Redis) in front of Store
// reads.
func WithCache(c Cache) Option {
	return func(b *Breaker) { b.cache = c }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New constructs a Breaker backed by store with the given Config.
func New(store Store, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }, maxRetries: 5}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decision is the outcome of Allow: whether the call may proceed, and if
// not, when the caller should set the task's visible_at to (spec.md §4.4:
// "the row's visible_at is set to the breaker's expected Half-Open time so
// workers do not hot-loop").
type Decision struct {
	Admitted bool
	RetryAt  time.Time
}

// Allow is consulted before task execution (spec.md §4.6 step 3). It
// advances Open -> Half-Open if reset_timeout has elapsed, then admits the
// call if the breaker is Closed, or if it is Half-Open with spare trial
// capacity (up to cfg.SuccessThreshold concurrent trials, the chosen
// resolution of spec.md §9 Open Question 1).
func (b *Breaker) Allow(ctx context.Context, key string) (Decision, error) {
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		current, err := b.load(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		now := b.now()
		next := tryTransitionToHalfOpen(current, b.cfg, now)

		switch next.State {
		case StateClosed:
			if next != current {
				if err := b.save(ctx, next, current.UpdatedAt); err != nil {
					if err == ErrConflict {
						continue
					}
					return Decision{}, err
				}
			}
			return Decision{Admitted: true}, nil
		case StateHalfOpen:
			admitted := next.HalfOpenInFlight < b.cfg.SuccessThreshold
			if admitted {
				next.HalfOpenInFlight++
			}
			if err := b.save(ctx, next, current.UpdatedAt); err != nil {
				if err == ErrConflict {
					continue
				}
				return Decision{}, err
			}
			if admitted {
				return Decision{Admitted: true}, nil
			}
			return Decision{Admitted: false, RetryAt: NextRetryAt(next, b.cfg, now)}, nil
		case StateOpen:
			return Decision{Admitted: false, RetryAt: NextRetryAt(next, b.cfg, now)}, nil
		}
	}
	return Decision{}, fmt.Errorf("breaker: too many CAS retries for key %q", key)
}

// RecordSuccess reports a successful call against key.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	return b.transition(ctx, key, onSuccess)
}

// RecordFailure reports a failed call against key.
func (b *Breaker) RecordFailure(ctx context.Context, key string) error {
	return b.transition(ctx, key, onFailure)
}

func (b *Breaker) transition(ctx context.Context, key string, fn func(CircuitState, Config, time.Time) CircuitState) error {
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		current, err := b.load(ctx, key)
		if err != nil {
			return err
		}
		next := fn(current, b.cfg, b.now())
		if err := b.save(ctx, next, current.UpdatedAt); err != nil {
			if err == ErrConflict {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("breaker: too many CAS retries for key %q", key)
}

func (b *Breaker) load(ctx context.Context, key string) (CircuitState, error) {
	if b.cache != nil {
		if s, ok, err := b.cache.Get(ctx, key); err == nil && ok {
			return s, nil
		}
	}
	s, err := b.store.LoadCircuit(ctx, key)
	if err != nil {
		return CircuitState{}, err
	}
	if b.cache != nil {
		_ = b.cache.Set(ctx, s)
	}
	return s, nil
}

func (b *Breaker) save(ctx context.Context, next CircuitState, expectedUpdatedAt time.Time) error {
	if err := b.store.CompareAndSwap(ctx, next, expectedUpdatedAt); err != nil {
		return err
	}
	if b.cache != nil {
		if err := b.cache.Invalidate(ctx, next.Key); err != nil {
			return err
		}
	}
	return nil
}
