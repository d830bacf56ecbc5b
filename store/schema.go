package store

import (
	"context"
	"fmt"
	"strings"
)

// migrate creates every table and index if it does not already exist. The
// DDL sticks to the subset SQLite and MySQL share: TEXT/VARCHAR keys, no
// autoincrement (ids are generated in Go), timestamps as RFC 3339 strings,
// nested collections as JSON text at the store boundary.
//
// Key columns use VARCHAR(191) so MySQL can index them under utf8mb4;
// SQLite treats the length as advisory.
func (s *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id VARCHAR(191) PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			strategy VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			created_at VARCHAR(64) NOT NULL,
			started_at VARCHAR(64),
			completed_at VARCHAR(64),
			total_sorties INTEGER NOT NULL DEFAULT 0,
			completed_sorties INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			metadata TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS sorties (
			id VARCHAR(191) PRIMARY KEY,
			mission_id VARCHAR(191),
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			assigned_to VARCHAR(191),
			files TEXT NOT NULL,
			dependencies TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			progress_notes TEXT,
			started_at VARCHAR(64),
			completed_at VARCHAR(64),
			blocked_by VARCHAR(191),
			blocked_reason TEXT,
			result TEXT,
			complexity VARCHAR(16) NOT NULL,
			estimated_effort_hours DOUBLE PRECISION NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sorties_mission ON sorties(mission_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sorties_status ON sorties(status)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(191) PRIMARY KEY,
			stream_type VARCHAR(32) NOT NULL,
			stream_id VARCHAR(191) NOT NULL,
			sequence_number BIGINT NOT NULL,
			event_type VARCHAR(128) NOT NULL,
			data TEXT,
			causation_id VARCHAR(191),
			correlation_id VARCHAR(191),
			metadata TEXT,
			occurred_at VARCHAR(64) NOT NULL,
			recorded_at VARCHAR(64) NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 1,
			CONSTRAINT uq_stream_seq UNIQUE (stream_type, stream_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_type, stream_id, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,

		`CREATE TABLE IF NOT EXISTS cursors (
			id VARCHAR(191) PRIMARY KEY,
			stream_type VARCHAR(32) NOT NULL,
			stream_id VARCHAR(191) NOT NULL,
			position BIGINT NOT NULL DEFAULT 0,
			consumer_id VARCHAR(191),
			updated_at VARCHAR(64) NOT NULL,
			CONSTRAINT uq_cursor_stream UNIQUE (stream_type, stream_id, consumer_id)
		)`,

		`CREATE TABLE IF NOT EXISTS locks (
			id VARCHAR(191) PRIMARY KEY,
			file TEXT NOT NULL,
			normalized_path VARCHAR(191) NOT NULL,
			reserved_by VARCHAR(191) NOT NULL,
			purpose VARCHAR(16) NOT NULL,
			reserved_at VARCHAR(64) NOT NULL,
			expires_at VARCHAR(64) NOT NULL,
			released_at VARCHAR(64),
			checksum VARCHAR(128),
			status VARCHAR(32) NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_file ON locks(normalized_path)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_reserved_by ON locks(reserved_by)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_status ON locks(status)`,

		`CREATE TABLE IF NOT EXISTS specialists (
			id VARCHAR(191) PRIMARY KEY,
			name TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			capabilities TEXT,
			registered_at VARCHAR(64) NOT NULL,
			last_seen VARCHAR(64) NOT NULL,
			current_sortie VARCHAR(191),
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_specialists_status ON specialists(status)`,

		`CREATE TABLE IF NOT EXISTS mailboxes (
			id VARCHAR(191) PRIMARY KEY,
			owner_id VARCHAR(191) NOT NULL,
			created_at VARCHAR(64) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_owner ON mailboxes(owner_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(191) PRIMARY KEY,
			mailbox_id VARCHAR(191) NOT NULL,
			sender_id VARCHAR(191),
			thread_id VARCHAR(191),
			message_type VARCHAR(64) NOT NULL,
			content TEXT NOT NULL,
			priority VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			sent_at VARCHAR(64) NOT NULL,
			read_at VARCHAR(64),
			acked_at VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_id, status)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(191) PRIMARY KEY,
			mission_id VARCHAR(191) NOT NULL,
			created_at VARCHAR(64) NOT NULL,
			trigger_kind VARCHAR(32) NOT NULL,
			trigger_details TEXT,
			progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			sorties TEXT NOT NULL,
			active_locks TEXT NOT NULL,
			pending_messages TEXT NOT NULL,
			recovery_context TEXT NOT NULL,
			created_by VARCHAR(191) NOT NULL,
			expires_at VARCHAR(64),
			consumed_at VARCHAR(64),
			version INTEGER NOT NULL DEFAULT 1,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_mission ON checkpoints(mission_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS learned_patterns (
			id VARCHAR(191) PRIMARY KEY,
			strategy VARCHAR(32) NOT NULL,
			pattern VARCHAR(128) NOT NULL,
			task_summary TEXT,
			created_at VARCHAR(64) NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pattern_outcomes (
			id VARCHAR(191) PRIMARY KEY,
			pattern_id VARCHAR(191) NOT NULL,
			mission_id VARCHAR(191) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			details TEXT,
			recorded_at VARCHAR(64) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_outcomes_pattern ON pattern_outcomes(pattern_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, s.dialect(stmt)); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; re-running migration
			// there reports a duplicate key name, which is fine.
			if s.driver == DriverMySQL && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// dialect rewrites the portable DDL for drivers that need it.
func (s *DB) dialect(stmt string) string {
	if s.driver == DriverMySQL {
		return strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
	}
	return stmt
}
