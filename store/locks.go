package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline-ai/squawk/model"
)

// LockStore persists lock rows. All concurrency discipline (the single
// critical section around acquire) lives in the lock package; this type is
// plain row access.
type LockStore struct {
	db *DB
}

// Insert writes a new lock row.
func (l *LockStore) Insert(ctx context.Context, lk *model.Lock) error {
	if err := l.db.checkOpen(); err != nil {
		return err
	}
	metaJSON, err := marshalJSON(lk.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal lock metadata: %w", err)
	}
	_, err = l.db.db.ExecContext(ctx,
		`INSERT INTO locks (id, file, normalized_path, reserved_by, purpose, reserved_at,
			expires_at, released_at, checksum, status, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lk.ID, lk.File, lk.NormalizedPath, lk.ReservedBy, string(lk.Purpose),
		encodeTime(lk.ReservedAt), encodeTime(lk.ExpiresAt), encodeTimePtr(lk.ReleasedAt),
		nullStr(lk.Checksum), string(lk.Status), metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// Get loads a lock by id.
func (l *LockStore) Get(ctx context.Context, id string) (model.Lock, error) {
	locks, err := l.query(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id)
	if err != nil {
		return model.Lock{}, err
	}
	if len(locks) == 0 {
		return model.Lock{}, ErrNotFound
	}
	return locks[0], nil
}

// ActiveByPath returns the active, unexpired lock on a normalized path, or
// ErrNotFound.
func (l *LockStore) ActiveByPath(ctx context.Context, normalizedPath string) (model.Lock, error) {
	now := l.db.clock.Now()
	locks, err := l.query(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE normalized_path = ? AND status = ? AND expires_at > ?
		 ORDER BY reserved_at DESC LIMIT 1`,
		normalizedPath, string(model.LockActive), encodeTime(now))
	if err != nil {
		return model.Lock{}, err
	}
	if len(locks) == 0 {
		return model.Lock{}, ErrNotFound
	}
	return locks[0], nil
}

// Active returns every lock currently in the active state with a future
// expiry.
func (l *LockStore) Active(ctx context.Context) ([]model.Lock, error) {
	now := l.db.clock.Now()
	return l.query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE status = ? AND expires_at > ? ORDER BY reserved_at ASC`,
		string(model.LockActive), encodeTime(now))
}

// ActiveByHolder returns a specialist's active locks.
func (l *LockStore) ActiveByHolder(ctx context.Context, specialistID string) ([]model.Lock, error) {
	now := l.db.clock.Now()
	return l.query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE reserved_by = ? AND status = ? AND expires_at > ?`,
		specialistID, string(model.LockActive), encodeTime(now))
}

// Transition moves an active lock to a terminal status and stamps
// released_at. Returns false when the row was not active (already terminal
// or missing).
func (l *LockStore) Transition(ctx context.Context, id string, to model.LockStatus) (bool, error) {
	if err := l.db.checkOpen(); err != nil {
		return false, err
	}
	now := l.db.clock.Now()
	res, err := l.db.db.ExecContext(ctx,
		`UPDATE locks SET status = ?, released_at = ? WHERE id = ? AND status = ?`,
		string(to), encodeTime(now), id, string(model.LockActive))
	if err != nil {
		return false, fmt.Errorf("failed to transition lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireDue transitions every active lock whose expiry has passed and
// returns the rows it expired.
func (l *LockStore) ExpireDue(ctx context.Context) ([]model.Lock, error) {
	if err := l.db.checkOpen(); err != nil {
		return nil, err
	}
	now := l.db.clock.Now()
	due, err := l.query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE status = ? AND expires_at <= ?`,
		string(model.LockActive), encodeTime(now))
	if err != nil {
		return nil, err
	}
	for i := range due {
		if _, err := l.Transition(ctx, due[i].ID, model.LockExpired); err != nil {
			return nil, err
		}
		due[i].Status = model.LockExpired
	}
	return due, nil
}

const lockColumns = `id, file, normalized_path, reserved_by, purpose, reserved_at,
	expires_at, released_at, checksum, status, metadata`

func (l *LockStore) query(ctx context.Context, q string, args ...any) ([]model.Lock, error) {
	if err := l.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := l.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []model.Lock
	for rows.Next() {
		var (
			lk                 model.Lock
			purpose, status    string
			reserved, expires  string
			released, checksum sql.NullString
			metaJSON           sql.NullString
		)
		if err := rows.Scan(&lk.ID, &lk.File, &lk.NormalizedPath, &lk.ReservedBy, &purpose,
			&reserved, &expires, &released, &checksum, &status, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan lock row: %w", err)
		}
		lk.Purpose = model.LockPurpose(purpose)
		lk.Status = model.LockStatus(status)
		lk.Checksum = checksum.String
		if lk.ReservedAt, err = decodeTime(reserved); err != nil {
			return nil, err
		}
		if lk.ExpiresAt, err = decodeTime(expires); err != nil {
			return nil, err
		}
		if lk.ReleasedAt, err = decodeTimePtr(released); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &lk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lock metadata: %w", err)
		}
		locks = append(locks, lk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock rows: %w", err)
	}
	return locks, nil
}
