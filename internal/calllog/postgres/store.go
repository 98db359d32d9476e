// Package postgres provides a PostgreSQL-backed [calllog.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, calllog.Record{CallID: id, Role: calllog.RoleUser, Content: text})
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxline/internal/calllog"
)

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    trace_id    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_records_call_created
    ON call_records (call_id, created_at);
`

// Migrate creates the call log table and its indexes when they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallRecords); err != nil {
		return fmt.Errorf("calllog postgres: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL call log. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Append implements [calllog.Store]. A zero CreatedAt is stored as now().
func (s *Store) Append(ctx context.Context, r calllog.Record) error {
	const q = `
		INSERT INTO call_records (call_id, role, content, trace_id, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`

	var createdAt *time.Time
	if !r.CreatedAt.IsZero() {
		createdAt = &r.CreatedAt
	}
	if _, err := s.pool.Exec(ctx, q, r.CallID, r.Role, r.Content, r.TraceID, createdAt); err != nil {
		return fmt.Errorf("calllog postgres: append: %w", err)
	}
	return nil
}

// ListCall implements [calllog.Store].
func (s *Store) ListCall(ctx context.Context, callID string) ([]calllog.Record, error) {
	const q = `
		SELECT call_id, role, content, trace_id, created_at
		FROM   call_records
		WHERE  call_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: list call: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Record, error) {
		var r calllog.Record
		err := row.Scan(&r.CallID, &r.Role, &r.Content, &r.TraceID, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: scan rows: %w", err)
	}
	if records == nil {
		records = []calllog.Record{}
	}
	return records, nil
}

// Ping reports whether the database is reachable. It backs the readiness
// check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Compile-time interface assertion.
var _ calllog.Store = (*Store)(nil)
