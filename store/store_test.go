package store

import (
	"context"
	"testing"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// newTestDB opens an in-memory SQLite database with a fake clock pinned to a
// known instant.
func newTestDB(t *testing.T) (*DB, *model.FakeClock) {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := Open(DriverSQLite, ":memory:", clock)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, clock
}

func TestOpen_MigratesAndPings(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "dsn", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestClose_IsIdempotentAndFailsFurtherOps(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := db.Ping(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
