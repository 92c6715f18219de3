package postgres

import (
	"context"
	"fmt"
	"time"

	"goa.design/durableflow/store"
)

func (s *Store) RegisterWorker(ctx context.Context, w store.Worker) error {
	types, err := marshalJSON(w.ActivityTypes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO durable_workers
			(id, "group", activity_types, max_concurrency, current_load, status, started_at, last_heartbeat_at,
			 accepting_tasks, backpressure_reason, hostname, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			"group" = EXCLUDED."group", activity_types = EXCLUDED.activity_types,
			max_concurrency = EXCLUDED.max_concurrency, status = EXCLUDED.status,
			started_at = EXCLUDED.started_at, last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			hostname = EXCLUDED.hostname, version = EXCLUDED.version
	`, w.ID, w.Group, types, w.MaxConcurrency, w.CurrentLoad, string(w.Status), w.StartedAt, w.LastHeartbeatAt,
		w.AcceptingTasks, w.BackpressureReason, w.Hostname, w.Version)
	if err != nil {
		return fmt.Errorf("postgres: register worker: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, workerID string, currentLoad int, acceptingTasks bool, backpressureReason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_workers
		SET current_load = $2, accepting_tasks = $3, backpressure_reason = $4, last_heartbeat_at = now()
		WHERE id = $1
	`, workerID, currentLoad, acceptingTasks, backpressureReason)
	if err != nil {
		return fmt.Errorf("postgres: update worker heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RequestDrain(ctx context.Context, workerID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE durable_workers SET status = 'draining' WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("postgres: request drain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (store.Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, "group", activity_types, max_concurrency, current_load, status, started_at, last_heartbeat_at,
		       accepting_tasks, backpressure_reason, hostname, version
		FROM durable_workers WHERE id = $1
	`, workerID)
	if err != nil {
		return store.Worker{}, fmt.Errorf("postgres: get worker: %w", err)
	}
	defer rows.Close()
	workers, err := scanWorkers(rows)
	if err != nil {
		return store.Worker{}, err
	}
	if len(workers) == 0 {
		return store.Worker{}, store.ErrNotFound
	}
	return workers[0], nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]store.Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, "group", activity_types, max_concurrency, current_load, status, started_at, last_heartbeat_at,
		       accepting_tasks, backpressure_reason, hostname, version
		FROM durable_workers ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *Store) MarkStaleWorkersStopped(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_workers
		SET status = 'stopped'
		WHERE status <> 'stopped' AND last_heartbeat_at < $1 - ($2::double precision * interval '1 second')
	`, now, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("postgres: mark stale workers stopped: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanWorkers(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]store.Worker, error) {
	var out []store.Worker
	for rows.Next() {
		var (
			w          store.Worker
			status     string
			typesRaw   []byte
		)
		if err := rows.Scan(&w.ID, &w.Group, &typesRaw, &w.MaxConcurrency, &w.CurrentLoad, &status, &w.StartedAt,
			&w.LastHeartbeatAt, &w.AcceptingTasks, &w.BackpressureReason, &w.Hostname, &w.Version); err != nil {
			return nil, fmt.Errorf("postgres: scan worker: %w", err)
		}
		w.Status = store.WorkerStatus(status)
		if err := unmarshalJSON(typesRaw, &w.ActivityTypes); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
