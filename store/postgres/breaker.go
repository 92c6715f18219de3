package postgres

import (
	"context"
	"fmt"
	"time"

	"goa.design/durableflow/breaker"
)

func (s *Store) LoadCircuit(ctx context.Context, key string) (breaker.CircuitState, error) {
	var (
		cs                                         breaker.CircuitState
		lastFailureAt, openedAt, halfOpenAt         *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT key, state, failure_count, success_count, half_open_in_flight,
		       last_failure_at, opened_at, half_open_at, updated_at
		FROM durable_circuit_breaker_state
		WHERE key = $1
	`, key).Scan(&cs.Key, &cs.State, &cs.FailureCount, &cs.SuccessCount, &cs.HalfOpenInFlight,
		&lastFailureAt, &openedAt, &halfOpenAt, &cs.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return breaker.Closed(key), nil
		}
		return breaker.CircuitState{}, fmt.Errorf("postgres: load circuit %q: %w", key, err)
	}
	cs.LastFailureAt, cs.OpenedAt, cs.HalfOpenAt = lastFailureAt, openedAt, halfOpenAt
	return cs, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next breaker.CircuitState, expectedUpdatedAt time.Time) error {
	if expectedUpdatedAt.IsZero() {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO durable_circuit_breaker_state
				(key, state, failure_count, success_count, half_open_in_flight, last_failure_at, opened_at, half_open_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (key) DO NOTHING
		`, next.Key, string(next.State), next.FailureCount, next.SuccessCount, next.HalfOpenInFlight,
			next.LastFailureAt, next.OpenedAt, next.HalfOpenAt, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert circuit %q: %w", next.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return breaker.ErrConflict
		}
		return nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE durable_circuit_breaker_state
		SET state = $2, failure_count = $3, success_count = $4, half_open_in_flight = $5,
		    last_failure_at = $6, opened_at = $7, half_open_at = $8, updated_at = $9
		WHERE key = $1 AND updated_at = $10
	`, next.Key, string(next.State), next.FailureCount, next.SuccessCount, next.HalfOpenInFlight,
		next.LastFailureAt, next.OpenedAt, next.HalfOpenAt, next.UpdatedAt, expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update circuit %q: %w", next.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return breaker.ErrConflict
	}
	return nil
}
