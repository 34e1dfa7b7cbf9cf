// Package history persists per-session conversation logs.
//
// A log is an append-only ordered sequence of role-tagged records. The file
// backend keeps one JSON array per session and rewrites it atomically on each
// append — fine for conversational volumes, and it matches the on-disk format
// clients already read. A Postgres backend is available for deployments that
// share history across instances.
//
// Read failures degrade: a corrupt or unreadable log yields an empty sequence
// and a warning, never an error that could abort a live turn.
package history

import (
	"context"
	"time"
)

// Roles used in conversation records.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// DefaultRecentLimit is the number of trailing records fed to the model as
// conversational context when the caller does not specify a limit.
const DefaultRecentLimit = 20

// Record is one conversation log entry. Records are never mutated or deleted
// individually; only Reset removes them, and then only all at once.
type Record struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the abstraction over a conversation log backend.
//
// Implementations must serialize appends per session so concurrent turns
// cannot interleave writes, and must treat unreadable state as empty rather
// than failing reads.
type Store interface {
	// Append adds one record with a generation timestamp to the session's log.
	Append(ctx context.Context, sessionID, role, content string) error

	// Read returns the full ordered log, or an empty slice when none exists.
	Read(ctx context.Context, sessionID string) ([]Record, error)

	// Recent returns the last limit records in original order. limit <= 0
	// selects DefaultRecentLimit.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)

	// Reset deletes all records for the session. Idempotent.
	Reset(ctx context.Context, sessionID string) error
}

// tail returns the last limit elements of records in original order.
func tail(records []Record, limit int) []Record {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}
