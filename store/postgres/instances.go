package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
	"goa.design/durableflow/workflow"
)

func (s *Store) CreateInstance(ctx context.Context, instance *workflow.Instance) error {
	var traceID, spanID *string
	if instance.Trace != nil {
		traceID, spanID = &instance.Trace.TraceID, &instance.Trace.SpanID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO durable_workflow_instances
			(id, workflow_type, status, input, result, error, created_at, updated_at, started_at, completed_at, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, instance.ID.String(), instance.WorkflowType, string(instance.Status), []byte(instance.Input), nullBytes(instance.Result),
		nullString(instance.Error), instance.CreatedAt, instance.UpdatedAt, instance.StartedAt, instance.CompletedAt, traceID, spanID)
	if err != nil {
		return fmt.Errorf("postgres: create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id ids.ID) (*workflow.Instance, error) {
	var (
		inst                         workflow.Instance
		idStr, status                string
		errMsg                       *string
		traceID, spanID              *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, workflow_type, status, input, result, error, created_at, updated_at, started_at, completed_at, trace_id, span_id
		FROM durable_workflow_instances WHERE id = $1
	`, id.String()).Scan(&idStr, &inst.WorkflowType, &status, &inst.Input, &inst.Result, &errMsg,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.StartedAt, &inst.CompletedAt, &traceID, &spanID)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get instance: %w", err)
	}
	parsedID, err := ids.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse instance id: %w", err)
	}
	inst.ID = parsedID
	inst.Status = workflow.Status(status)
	if errMsg != nil {
		inst.Error = *errMsg
	}
	if traceID != nil || spanID != nil {
		inst.Trace = &workflow.TraceContext{}
		if traceID != nil {
			inst.Trace.TraceID = *traceID
		}
		if spanID != nil {
			inst.Trace.SpanID = *spanID
		}
	}
	return &inst, nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id ids.ID, status workflow.Status, result []byte, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_workflow_instances
		SET status = $2,
		    result = COALESCE($3, result),
		    error = CASE WHEN $4 <> '' THEN $4 ELSE error END,
		    updated_at = $5,
		    started_at = CASE WHEN started_at IS NULL AND $2 = 'running' THEN $5 ELSE started_at END,
		    completed_at = CASE WHEN $6 THEN $5 ELSE completed_at END
		WHERE id = $1
	`, id.String(), string(status), nullBytes(result), errMsg, now, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("postgres: update instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*workflow.Instance, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		clauses = append(clauses, fmt.Sprintf("workflow_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
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

	query := fmt.Sprintf(`
		SELECT id, workflow_type, status, input, result, error, created_at, updated_at, started_at, completed_at, trace_id, span_id
		FROM durable_workflow_instances %s ORDER BY id ASC LIMIT $%d
	`, where, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instances: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Instance
	for rows.Next() {
		var (
			inst            workflow.Instance
			idStr, status   string
			errMsg          *string
			traceID, spanID *string
		)
		if err := rows.Scan(&idStr, &inst.WorkflowType, &status, &inst.Input, &inst.Result, &errMsg,
			&inst.CreatedAt, &inst.UpdatedAt, &inst.StartedAt, &inst.CompletedAt, &traceID, &spanID); err != nil {
			return nil, fmt.Errorf("postgres: scan instance: %w", err)
		}
		parsedID, err := ids.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse instance id: %w", err)
		}
		inst.ID = parsedID
		inst.Status = workflow.Status(status)
		if errMsg != nil {
			inst.Error = *errMsg
		}
		if traceID != nil || spanID != nil {
			inst.Trace = &workflow.TraceContext{TraceID: derefStr(traceID), SpanID: derefStr(spanID)}
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
