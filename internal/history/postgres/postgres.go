// Package postgres provides a Postgres-backed conversation log for
// deployments that share history across gateway instances. It implements the
// history.Store interface over a single append-only table.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxflow-ai/voxflow/internal/history"
)

// schema creates the conversation_records table. Applied on Connect; safe to
// re-run.
const schema = `
CREATE TABLE IF NOT EXISTS conversation_records (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    role       TEXT        NOT NULL,
    content    TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversation_records_session_idx
    ON conversation_records (session_id, id);`

// Store is the Postgres history backend. All methods are safe for concurrent
// use; append ordering per session is provided by the serial primary key.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// Connect opens a pool for dsn, applies the schema, and returns a Store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool without applying the schema. Used in
// tests and by callers that manage migrations themselves.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements history.Store.
func (s *Store) Append(ctx context.Context, sessionID, role, content string) error {
	const q = `
		INSERT INTO conversation_records (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, sessionID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Read implements history.Store. Query failures degrade to an empty log with
// a warning, matching the file backend's behavior.
func (s *Store) Read(ctx context.Context, sessionID string) ([]history.Record, error) {
	const q = `
		SELECT role, content, created_at
		FROM   conversation_records
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		slog.Warn("history: log unreadable, treating as empty", "session", sessionID, "err", err)
		return nil, nil
	}
	return collectRecords(rows, sessionID), nil
}

// Recent implements history.Store. The limit is applied in SQL; rows come
// back newest-first and are reversed into original order.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = history.DefaultRecentLimit
	}

	const q = `
		SELECT role, content, created_at
		FROM   conversation_records
		WHERE  session_id = $1
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		slog.Warn("history: log unreadable, treating as empty", "session", sessionID, "err", err)
		return nil, nil
	}

	records := collectRecords(rows, sessionID)
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Reset implements history.Store.
func (s *Store) Reset(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM conversation_records WHERE session_id = $1`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("history: reset: %w", err)
	}
	return nil
}

// collectRecords drains rows into Record values, dropping rows that fail to
// scan rather than aborting the whole read.
func collectRecords(rows pgx.Rows, sessionID string) []history.Record {
	defer rows.Close()

	var records []history.Record
	for rows.Next() {
		var r history.Record
		if err := rows.Scan(&r.Role, &r.Content, &r.Timestamp); err != nil {
			slog.Warn("history: bad record skipped", "session", sessionID, "err", err)
			continue
		}
		records = append(records, r)
	}
	return records
}
