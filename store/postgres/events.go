package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/ids"
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal that a concurrent writer already
// claimed this (workflow_id, sequence_num) pair.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) Append(ctx context.Context, event eventlog.Event) error {
	var traceID, spanID *string
	if event.Trace != nil {
		traceID, spanID = &event.Trace.TraceID, &event.Trace.SpanID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO durable_workflow_events (workflow_id, sequence_num, event_type, payload, "timestamp", trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.WorkflowID.String(), event.Sequence, string(event.Kind), []byte(event.Payload), event.Timestamp, traceID, spanID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: workflow %s sequence %d already appended", eventlog.ErrSequenceConflict, event.WorkflowID, event.Sequence)
		}
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, events []eventlog.Event) error {
	for _, e := range events {
		if err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, workflowID ids.ID) ([]eventlog.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workflow_id, sequence_num, event_type, payload, "timestamp", trace_id, span_id
		FROM durable_workflow_events
		WHERE workflow_id = $1
		ORDER BY sequence_num ASC
	`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: load events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) List(ctx context.Context, workflowID ids.ID, cursor string, limit int) (eventlog.Page, error) {
	if limit <= 0 {
		return eventlog.Page{}, fmt.Errorf("postgres: limit must be > 0")
	}
	start := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return eventlog.Page{}, fmt.Errorf("postgres: invalid cursor %q: %w", cursor, err)
		}
		start = n
	}

	rows, err := s.db.Query(ctx, `
		SELECT workflow_id, sequence_num, event_type, payload, "timestamp", trace_id, span_id
		FROM durable_workflow_events
		WHERE workflow_id = $1 AND sequence_num >= $2
		ORDER BY sequence_num ASC
		LIMIT $3
	`, workflowID.String(), start, limit+1)
	if err != nil {
		return eventlog.Page{}, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return eventlog.Page{}, err
	}

	page := eventlog.Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = strconv.FormatInt(page.Events[len(page.Events)-1].Sequence+1, 10)
	}
	return page, nil
}

func (s *Store) LatestSequence(ctx context.Context, workflowID ids.ID) (int64, error) {
	var seq *int64
	err := s.db.QueryRow(ctx, `
		SELECT max(sequence_num) FROM durable_workflow_events WHERE workflow_id = $1
	`, workflowID.String()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest sequence: %w", err)
	}
	if seq == nil {
		return -1, nil
	}
	return *seq, nil
}

func scanEvents(rows pgx.Rows) ([]eventlog.Event, error) {
	var out []eventlog.Event
	for rows.Next() {
		var (
			wfIDStr           string
			e                 eventlog.Event
			traceID, spanID   *string
		)
		if err := rows.Scan(&wfIDStr, &e.Sequence, &e.Kind, &e.Payload, &e.Timestamp, &traceID, &spanID); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		wfID, err := ids.Parse(wfIDStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse workflow_id: %w", err)
		}
		e.WorkflowID = wfID
		if traceID != nil || spanID != nil {
			e.Trace = &eventlog.TraceContext{}
			if traceID != nil {
				e.Trace.TraceID = *traceID
			}
			if spanID != nil {
				e.Trace.SpanID = *spanID
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}
