// Package store provides the relational persistence layer for the squawk
// coordinator: missions, sorties, events, cursors, locks, specialists,
// mailboxes, messages, checkpoints, and learned patterns.
//
// The primary backend is a single-file SQLite database in WAL mode
// ({datadir}/squawk.db). A MySQL backend is supported behind the same Open
// call for deployments that outgrow a single file; the schema is written in
// the portable subset both dialects accept.
//
// The store is the single source of truth. Components never share mutable
// state directly; they read and write rows here and communicate through the
// event log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/flightline-ai/squawk/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Supported driver names for Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DB wraps the underlying sql.DB with the driver name and the injected
// clock. All entity stores share one DB.
type DB struct {
	db     *sql.DB
	driver string
	clock  model.Clock

	mu     sync.RWMutex
	closed bool

	// appendMu serializes event appends so sequence allocation and insert
	// form a single critical section. SQLite has one writer anyway; for
	// MySQL this is the single-writer serialization the log requires.
	appendMu sync.Mutex
}

// Open opens (and migrates) the database.
//
// For SQLite the dsn is a file path such as "/var/lib/squawk/squawk.db" or
// ":memory:" for tests. WAL mode, foreign keys, and a 5 s busy timeout are
// enabled. For MySQL the dsn is a standard go-sql-driver DSN; parseTime is
// not required because timestamps are stored as RFC 3339 strings.
func Open(driver, dsn string, clock model.Clock) (*DB, error) {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	ctx := context.Background()
	if driver == DriverSQLite {
		// SQLite supports one writer at a time; keep a single connection so
		// ":memory:" databases also behave (each conn gets its own memory db).
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	s := &DB{db: db, driver: driver, clock: clock}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Clock returns the injected clock.
func (s *DB) Clock() model.Clock { return s.clock }

// checkOpen returns ErrClosed after Close.
func (s *DB) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *DB) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection. Double-close is a no-op.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Events returns the event store view over this DB.
func (s *DB) Events() *EventStore { return &EventStore{db: s} }

// Missions returns the mission/sortie store view over this DB.
func (s *DB) Missions() *MissionStore { return &MissionStore{db: s} }

// Locks returns the lock row store view over this DB.
func (s *DB) Locks() *LockStore { return &LockStore{db: s} }

// Specialists returns the registry row store view over this DB.
func (s *DB) Specialists() *SpecialistStore { return &SpecialistStore{db: s} }

// Messages returns the mailbox/message store view over this DB.
func (s *DB) Messages() *MessageStore { return &MessageStore{db: s} }

// Checkpoints returns the checkpoint row store view over this DB.
func (s *DB) Checkpoints() *CheckpointStore { return &CheckpointStore{db: s} }

// Patterns returns the learned-pattern store view over this DB.
func (s *DB) Patterns() *PatternStore { return &PatternStore{db: s} }

// --- time encoding helpers -------------------------------------------------

// Timestamps are stored as RFC 3339 strings with nanosecond precision so the
// same column types work across both dialects.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
