// Package postgres implements store.EventStore against Postgres using pgx,
// the durable backend behind store/memory's in-process stand-in.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/durableflow/store"
)

// Schema is the embedded contents of schema.sql, so callers (durablectl's
// migrate subcommand) don't need to locate the file on disk at runtime.
//
//go:embed schema.sql
var Schema string

// querier is the subset of *pgxpool.Pool and pgx.Tx this package needs,
// letting every method work unmodified whether Store wraps the pool or a
// transaction opened by WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a Postgres-backed store.EventStore.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

var _ store.EventStore = (*Store)(nil)

// Open connects to Postgres and returns a ready Store. Callers are
// responsible for applying schema.sql before first use (e.g. via the
// durablectl migrate subcommand).
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// ExecSchema runs a raw SQL script (schema.sql) against the pool. Multiple
// semicolon-separated statements in one call work because pgx sends
// argument-less Exec calls over the simple query protocol.
func (s *Store) ExecSchema(ctx context.Context, schema string) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("postgres: exec schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// WithTx runs fn against a Store backed by a single Postgres transaction,
// committing on success and rolling back on error or panic. This backs the
// Executor's atomic five-step activation protocol.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.EventStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	txStore := &Store{pool: s.pool, db: tx}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	committed = true
	return nil
}
