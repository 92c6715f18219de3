package postgres

import (
	"context"
	"fmt"
	"time"

	"goa.design/durableflow/ids"
	"goa.design/durableflow/store"
)

func (s *Store) SendSignal(ctx context.Context, signal store.Signal) (ids.ID, error) {
	if signal.ID.IsNil() {
		signal.ID = ids.New()
	}
	if signal.SentAt.IsZero() {
		signal.SentAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO durable_signals (id, workflow_id, signal_type, payload, sent_at, processed_at, sequence_num)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT max(sequence_num) + 1 FROM durable_signals WHERE workflow_id = $2), 0))
		RETURNING sequence_num
	`, signal.ID.String(), signal.WorkflowID.String(), signal.SignalType, []byte(signal.Payload), signal.SentAt, signal.ProcessedAt).
		Scan(&signal.Sequence)
	if err != nil {
		return ids.Nil, fmt.Errorf("postgres: send signal: %w", err)
	}
	return signal.ID, nil
}

func (s *Store) PendingSignals(ctx context.Context, workflowID ids.ID) ([]store.Signal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, signal_type, payload, sent_at, processed_at, sequence_num
		FROM durable_signals
		WHERE workflow_id = $1 AND processed_at IS NULL
		ORDER BY sequence_num ASC
	`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: pending signals: %w", err)
	}
	defer rows.Close()

	var out []store.Signal
	for rows.Next() {
		var (
			sig          store.Signal
			idStr, wfStr string
		)
		if err := rows.Scan(&idStr, &wfStr, &sig.SignalType, &sig.Payload, &sig.SentAt, &sig.ProcessedAt, &sig.Sequence); err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		if sig.ID, err = ids.Parse(idStr); err != nil {
			return nil, err
		}
		if sig.WorkflowID, err = ids.Parse(wfStr); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Store) MarkSignalProcessed(ctx context.Context, signalID ids.ID, processedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE durable_signals SET processed_at = $2 WHERE id = $1
	`, signalID.String(), processedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark signal processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
