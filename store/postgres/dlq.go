package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/workflow"
)

func (s *Store) ListDlq(ctx context.Context, limit int, cursor string) ([]store.DlqEntry, string, error) {
	if limit <= 0 {
		limit = 100
	}
	var after time.Time
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("postgres: invalid dlq cursor %q: %w", cursor, err)
		}
		after = time.Unix(0, n).UTC()
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, original_task_id, workflow_id, activity_id, input, attempt, last_error, error_history,
		       dead_at, requeued_at, requeue_count
		FROM durable_dead_letter_queue
		WHERE dead_at > $1
		ORDER BY dead_at ASC
		LIMIT $2
	`, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: list dlq: %w", err)
	}
	defer rows.Close()

	entries, err := scanDlqEntries(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		next = strconv.FormatInt(entries[len(entries)-1].DeadAt.UnixNano(), 10)
	}
	return entries, next, nil
}

func (s *Store) GetDlqEntry(ctx context.Context, id ids.ID) (store.DlqEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, original_task_id, workflow_id, activity_id, input, attempt, last_error, error_history,
		       dead_at, requeued_at, requeue_count
		FROM durable_dead_letter_queue WHERE id = $1
	`, id.String())
	if err != nil {
		return store.DlqEntry{}, fmt.Errorf("postgres: get dlq entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanDlqEntries(rows)
	if err != nil {
		return store.DlqEntry{}, err
	}
	if len(entries) == 0 {
		return store.DlqEntry{}, store.ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) RequeueDlqEntry(ctx context.Context, id ids.ID, overrideOptions *workflow.ActivityOptions) (ids.ID, error) {
	entry, err := s.GetDlqEntry(ctx, id)
	if err != nil {
		return ids.Nil, err
	}
	original, err := s.GetTask(ctx, entry.OriginalTaskID)
	if err != nil {
		return ids.Nil, fmt.Errorf("postgres: requeue dlq entry %s: original task gone: %w", id, err)
	}

	opts := original.Options
	if overrideOptions != nil {
		opts = *overrideOptions
	}
	now := time.Now().UTC()
	newTask := store.Task{
		ID:           ids.New(),
		WorkflowID:   original.WorkflowID,
		ActivityID:   original.ActivityID,
		ActivityType: original.ActivityType,
		Input:        original.Input,
		Options:      opts,
		Status:       store.TaskPending,
		Priority:     original.Priority,
		ScheduledAt:  now,
		VisibleAt:    now,
		Attempt:      0,
		MaxAttempts:  original.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.EnqueueTask(ctx, newTask); err != nil {
		return ids.Nil, err
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE durable_dead_letter_queue SET requeued_at = $2, requeue_count = requeue_count + 1 WHERE id = $1
	`, id.String(), now); err != nil {
		return ids.Nil, fmt.Errorf("postgres: mark dlq entry requeued: %w", err)
	}
	return newTask.ID, nil
}

func (s *Store) DeleteDlqEntry(ctx context.Context, id ids.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM durable_dead_letter_queue WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("postgres: delete dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeDlqOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.db.Exec(ctx, `DELETE FROM durable_dead_letter_queue WHERE dead_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDlqEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]store.DlqEntry, error) {
	var out []store.DlqEntry
	for rows.Next() {
		var (
			e                       store.DlqEntry
			idStr, origStr, wfIDStr string
			historyRaw              []byte
		)
		if err := rows.Scan(&idStr, &origStr, &wfIDStr, &e.ActivityID, &e.Input, &e.Attempt, &e.LastError,
			&historyRaw, &e.DeadAt, &e.RequeuedAt, &e.RequeueCount); err != nil {
			return nil, fmt.Errorf("postgres: scan dlq entry: %w", err)
		}
		var err error
		if e.ID, err = ids.Parse(idStr); err != nil {
			return nil, err
		}
		if e.OriginalTaskID, err = ids.Parse(origStr); err != nil {
			return nil, err
		}
		if e.WorkflowID, err = ids.Parse(wfIDStr); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(historyRaw, &e.ErrorHistory); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
