package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/retry"
	"goa.design/durableflow/store"
	"goa.design/durableflow/workflow"
)

func (s *Store) EnqueueTask(ctx context.Context, task store.Task) error {
	opts, err := marshalJSON(task.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO durable_task_queue
			(id, workflow_id, activity_id, activity_type, input, options, status, priority,
			 scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
			 last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, task.ID.String(), task.WorkflowID.String(), task.ActivityID, task.ActivityType, []byte(task.Input), opts,
		string(task.Status), task.Priority, task.ScheduledAt, task.VisibleAt, task.ClaimedBy, task.ClaimedAt,
		task.HeartbeatAt, task.Attempt, task.MaxAttempts, nullString(task.LastError), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: enqueue task: %w", err)
	}
	return nil
}

// Claim atomically claims up to limit pending, visible tasks of the allowed
// activity types, ordered by (priority DESC, visible_at ASC). SKIP LOCKED
// lets concurrent claimers each get distinct rows without blocking on each
// other's row locks, the standard Postgres queue-claim pattern.
func (s *Store) Claim(ctx context.Context, workerID string, activityTypes []string, limit int) ([]store.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	typeFilter := ""
	args := []any{workerID}
	if len(activityTypes) > 0 {
		args = append(args, activityTypes)
		typeFilter = fmt.Sprintf("AND activity_type = ANY($%d)", len(args))
	}
	args = append(args, limit)
	limitArg := len(args)

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		UPDATE durable_task_queue
		SET status = 'claimed',
		    claimed_by = $1,
		    claimed_at = now(),
		    heartbeat_at = now(),
		    attempt = attempt + 1,
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM durable_task_queue
			WHERE status = 'pending' AND visible_at <= now() %s
			ORDER BY priority DESC, visible_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, workflow_id, activity_id, activity_type, input, options, status, priority,
		          scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
		          last_error, created_at, updated_at
	`, typeFilter, limitArg), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) Heartbeat(ctx context.Context, taskID ids.ID, workerID string) (bool, bool, error) {
	var status string
	// A cancelled task still matches so its claimer's next heartbeat
	// observes the cancellation; heartbeat_at only advances for a task
	// still actually claimed.
	err := s.db.QueryRow(ctx, `
		UPDATE durable_task_queue
		SET heartbeat_at = CASE WHEN status = 'claimed' THEN now() ELSE heartbeat_at END
		WHERE id = $1 AND claimed_by = $2 AND status IN ('claimed', 'cancelled')
		RETURNING status
	`, taskID.String(), workerID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("postgres: heartbeat: %w", err)
	}
	return true, status == string(store.TaskCancelled), nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID ids.ID, result []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_task_queue SET status = 'completed', updated_at = now() WHERE id = $1
	`, taskID.String())
	if err != nil {
		return fmt.Errorf("postgres: complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	_ = result
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID ids.ID, errMsg string) (store.FailOutcome, *time.Time, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	nonRetryable := retry.IsNonRetryable(task.Options.RetryPolicy, errMsg)
	exhausted := !retry.ShouldRetry(task.Options.RetryPolicy, task.Attempt+1)

	if nonRetryable || exhausted {
		if _, err := s.db.Exec(ctx, `
			UPDATE durable_task_queue SET status = 'dead', last_error = $2, updated_at = $3 WHERE id = $1
		`, taskID.String(), errMsg, now); err != nil {
			return "", nil, fmt.Errorf("postgres: mark task dead: %w", err)
		}
		history, err := s.dlqErrorHistory(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		historyJSON, err := marshalJSON(append(history, errMsg))
		if err != nil {
			return "", nil, err
		}
		if _, err := s.db.Exec(ctx, `
			INSERT INTO durable_dead_letter_queue
				(id, original_task_id, workflow_id, activity_id, input, attempt, last_error, error_history, dead_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ids.New().String(), taskID.String(), task.WorkflowID.String(), task.ActivityID, []byte(task.Input),
			task.Attempt, errMsg, historyJSON, now); err != nil {
			return "", nil, fmt.Errorf("postgres: insert dlq entry: %w", err)
		}
		if nonRetryable {
			return store.OutcomeNonRetryable, nil, nil
		}
		return store.OutcomeDead, nil, nil
	}

	delay := retry.NextDelay(task.Options.RetryPolicy, task.Attempt+1)
	visibleAt := now.Add(delay)
	if _, err := s.db.Exec(ctx, `
		UPDATE durable_task_queue
		SET status = 'pending', last_error = $2, visible_at = $3, claimed_by = NULL, claimed_at = NULL,
		    heartbeat_at = NULL, updated_at = $4
		WHERE id = $1
	`, taskID.String(), errMsg, visibleAt, now); err != nil {
		return "", nil, fmt.Errorf("postgres: reset task to pending: %w", err)
	}
	return store.OutcomeRetry, &visibleAt, nil
}

func (s *Store) dlqErrorHistory(ctx context.Context, originalTaskID ids.ID) ([]string, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT error_history FROM durable_dead_letter_queue WHERE original_task_id = $1 ORDER BY dead_at DESC LIMIT 1
	`, originalTaskID.String()).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: dlq error history: %w", err)
	}
	var history []string
	if err := unmarshalJSON(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) CancelTask(ctx context.Context, taskID ids.ID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_task_queue SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'claimed')
	`, taskID.String())
	if err != nil {
		return fmt.Errorf("postgres: cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID ids.ID) (store.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, activity_id, activity_type, input, options, status, priority,
		       scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
		       last_error, created_at, updated_at
		FROM durable_task_queue WHERE id = $1
	`, taskID.String())
	if err != nil {
		return store.Task{}, fmt.Errorf("postgres: get task: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return store.Task{}, err
	}
	if len(tasks) == 0 {
		return store.Task{}, store.ErrNotFound
	}
	return tasks[0], nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ActivityType != "" {
		args = append(args, filter.ActivityType)
		clauses = append(clauses, fmt.Sprintf("activity_type = $%d", len(args)))
	}
	if filter.Cursor != "" {
		args = append(args, filter.Cursor)
		clauses = append(clauses, fmt.Sprintf("id > $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id, workflow_id, activity_id, activity_type, input, options, status, priority,
		       scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
		       last_error, created_at, updated_at
		FROM durable_task_queue %s ORDER BY id ASC LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) TaskStats(ctx context.Context) (map[store.TaskStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM durable_task_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: task stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[store.TaskStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan task stats: %w", err)
		}
		stats[store.TaskStatus(status)] = count
	}
	return stats, rows.Err()
}

func (s *Store) ReclaimStale(ctx context.Context, heartbeatTimeout time.Duration, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_task_queue
		SET status = 'pending', visible_at = $1, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL, updated_at = $1
		WHERE status = 'claimed' AND heartbeat_at < $1 - ($2::double precision * interval '1 second')
	`, now, heartbeatTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) FindScheduleToStartTimedOut(ctx context.Context, now time.Time) ([]store.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, activity_id, activity_type, input, options, status, priority,
		       scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
		       last_error, created_at, updated_at
		FROM durable_task_queue
		WHERE status = 'pending' AND (options->>'ScheduleToStartTimeout')::bigint > 0
		  AND scheduled_at + ((((options->>'ScheduleToStartTimeout')::bigint) / 1000) * interval '1 microsecond') < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: find schedule-to-start timed out: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) FindStartToCloseTimedOut(ctx context.Context, now time.Time) ([]store.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, activity_id, activity_type, input, options, status, priority,
		       scheduled_at, visible_at, claimed_by, claimed_at, heartbeat_at, attempt, max_attempts,
		       last_error, created_at, updated_at
		FROM durable_task_queue
		WHERE status = 'claimed' AND claimed_at IS NOT NULL AND (options->>'StartToCloseTimeout')::bigint > 0
		  AND claimed_at + ((((options->>'StartToCloseTimeout')::bigint) / 1000) * interval '1 microsecond') < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: find start-to-close timed out: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		var (
			t             store.Task
			idStr, wfID   string
			status        string
			optsRaw       []byte
			lastErr       *string
		)
		if err := rows.Scan(&idStr, &wfID, &t.ActivityID, &t.ActivityType, &t.Input, &optsRaw, &status, &t.Priority,
			&t.ScheduledAt, &t.VisibleAt, &t.ClaimedBy, &t.ClaimedAt, &t.HeartbeatAt, &t.Attempt, &t.MaxAttempts,
			&lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		var err error
		if t.ID, err = ids.Parse(idStr); err != nil {
			return nil, fmt.Errorf("postgres: parse task id: %w", err)
		}
		if t.WorkflowID, err = ids.Parse(wfID); err != nil {
			return nil, fmt.Errorf("postgres: parse task workflow_id: %w", err)
		}
		t.Status = store.TaskStatus(status)
		if lastErr != nil {
			t.LastError = *lastErr
		}
		var opts workflow.ActivityOptions
		if err := unmarshalJSON(optsRaw, &opts); err != nil {
			return nil, err
		}
		t.Options = opts
		out = append(out, t)
	}
	return out, rows.Err()
}
