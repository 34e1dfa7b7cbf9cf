package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXFLOW_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXFLOW_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects a fresh [postgres.Store] with a clean table.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop the table before the store recreates it.
	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS conversation_records"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := postgres.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turns := []struct{ role, content string }{
		{history.RoleUser, "where is the nearest harbor"},
		{history.RoleAgent, "The nearest harbor is about two kilometers north."},
		{history.RoleUser, "how long on foot"},
	}
	for _, turn := range turns {
		if err := store.Append(ctx, "session-1", turn.role, turn.content); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := store.Read(ctx, "session-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != len(turns) {
		t.Fatalf("Read: want %d records, got %d", len(turns), len(records))
	}
	for i, turn := range turns {
		if records[i].Role != turn.role || records[i].Content != turn.content {
			t.Errorf("record %d: want %s/%q, got %s/%q",
				i, turn.role, turn.content, records[i].Role, records[i].Content)
		}
		if records[i].Timestamp.IsZero() {
			t.Errorf("record %d: timestamp not set", i)
		}
	}

	// Sessions are isolated.
	other, err := store.Read(ctx, "session-2")
	if err != nil {
		t.Fatalf("Read other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Read other: want 0 records, got %d", len(other))
	}
}

func TestRecentWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	total := history.DefaultRecentLimit + 5
	for i := 0; i < total; i++ {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAgent
		}
		if err := store.Append(ctx, "session-window", role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// Default limit keeps the tail of the log in original order.
	recent, err := store.Recent(ctx, "session-window", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != history.DefaultRecentLimit {
		t.Fatalf("Recent: want %d records, got %d", history.DefaultRecentLimit, len(recent))
	}
	if want := fmt.Sprintf("turn %d", total-history.DefaultRecentLimit); recent[0].Content != want {
		t.Errorf("Recent first: want %q, got %q", want, recent[0].Content)
	}
	if want := fmt.Sprintf("turn %d", total-1); recent[len(recent)-1].Content != want {
		t.Errorf("Recent last: want %q, got %q", want, recent[len(recent)-1].Content)
	}

	// Explicit limit wins over the default.
	three, err := store.Recent(ctx, "session-window", 3)
	if err != nil {
		t.Fatalf("Recent(3): %v", err)
	}
	if len(three) != 3 || three[2].Content != fmt.Sprintf("turn %d", total-1) {
		t.Errorf("Recent(3): got %+v", three)
	}
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "session-reset", history.RoleUser, "forget this"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "session-keep", history.RoleUser, "keep this"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Reset(ctx, "session-reset"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	gone, err := store.Read(ctx, "session-reset")
	if err != nil {
		t.Fatalf("Read after reset: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("after reset: want 0 records, got %d", len(gone))
	}

	kept, err := store.Read(ctx, "session-keep")
	if err != nil {
		t.Fatalf("Read kept: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("other session affected by reset: got %d records", len(kept))
	}

	// Resetting an already-empty session is not an error.
	if err := store.Reset(ctx, "session-reset"); err != nil {
		t.Errorf("Reset empty: unexpected error: %v", err)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestConnectReappliesSchema(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	first, err := postgres.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.Close()

	// Connect is idempotent against an existing schema.
	second, err := postgres.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect again: %v", err)
	}
	t.Cleanup(second.Close)
	if err := second.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
