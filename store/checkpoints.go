package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// CheckpointStore persists the relational half of the checkpoint dual write.
// The file-backed half lives in the checkpoint package; either surviving
// copy is sufficient to rebuild a mission.
type CheckpointStore struct {
	db *DB
}

// Insert writes a checkpoint row. Snapshot collections are serialized as
// JSON at the store boundary.
func (cs *CheckpointStore) Insert(ctx context.Context, cp *model.Checkpoint) error {
	if err := cs.db.checkOpen(); err != nil {
		return err
	}
	sortiesJSON, err := json.Marshal(cp.Sorties)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint sorties: %w", err)
	}
	locksJSON, err := json.Marshal(cp.ActiveLocks)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint locks: %w", err)
	}
	messagesJSON, err := json.Marshal(cp.PendingMessages)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint messages: %w", err)
	}
	recoveryJSON, err := json.Marshal(cp.RecoveryContext)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery context: %w", err)
	}
	metaJSON, err := marshalJSON(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}
	_, err = cs.db.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, mission_id, created_at, trigger_kind, trigger_details,
			progress_percent, sorties, active_locks, pending_messages, recovery_context,
			created_by, expires_at, consumed_at, version, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.MissionID, encodeTime(cp.Timestamp), string(cp.Trigger), nullStr(cp.TriggerDetails),
		cp.ProgressPercent, string(sortiesJSON), string(locksJSON), string(messagesJSON),
		string(recoveryJSON), cp.CreatedBy, encodeTimePtr(cp.ExpiresAt), encodeTimePtr(cp.ConsumedAt),
		cp.Version, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Get loads a checkpoint by id.
func (cs *CheckpointStore) Get(ctx context.Context, id string) (model.Checkpoint, error) {
	cps, err := cs.query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if len(cps) == 0 {
		return model.Checkpoint{}, ErrNotFound
	}
	return cps[0], nil
}

// LatestUnconsumed returns the newest unconsumed checkpoint for a mission.
func (cs *CheckpointStore) LatestUnconsumed(ctx context.Context, missionID string) (model.Checkpoint, error) {
	cps, err := cs.query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE mission_id = ? AND consumed_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, missionID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if len(cps) == 0 {
		return model.Checkpoint{}, ErrNotFound
	}
	return cps[0], nil
}

// ListByMission returns a mission's checkpoints, newest first.
func (cs *CheckpointStore) ListByMission(ctx context.Context, missionID string) ([]model.Checkpoint, error) {
	return cs.query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE mission_id = ? ORDER BY created_at DESC`,
		missionID)
}

// MarkConsumed stamps consumed_at. Once set it is never unset; re-marking is
// a no-op.
func (cs *CheckpointStore) MarkConsumed(ctx context.Context, id string) error {
	if err := cs.db.checkOpen(); err != nil {
		return err
	}
	_, err := cs.db.db.ExecContext(ctx,
		`UPDATE checkpoints SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
		encodeTime(cs.db.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint consumed: %w", err)
	}
	return nil
}

// Delete removes a checkpoint row. Returns ErrNotFound if absent.
func (cs *CheckpointStore) Delete(ctx context.Context, id string) error {
	if err := cs.db.checkOpen(); err != nil {
		return err
	}
	res, err := cs.db.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes checkpoints created before the cutoff and returns
// the ids removed. Used by the retention worker.
func (cs *CheckpointStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := cs.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := cs.db.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE created_at < ?`, encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired checkpoints: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range ids {
		if err := cs.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

const checkpointColumns = `id, mission_id, created_at, trigger_kind, trigger_details,
	progress_percent, sorties, active_locks, pending_messages, recovery_context,
	created_by, expires_at, consumed_at, version, metadata`

func (cs *CheckpointStore) query(ctx context.Context, q string, args ...any) ([]model.Checkpoint, error) {
	if err := cs.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := cs.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []model.Checkpoint
	for rows.Next() {
		var (
			cp                                 model.Checkpoint
			created, trigger                   string
			details                            sql.NullString
			sorties, locks, messages, recovery string
			expires, consumed, metaJSON        sql.NullString
		)
		if err := rows.Scan(&cp.ID, &cp.MissionID, &created, &trigger, &details,
			&cp.ProgressPercent, &sorties, &locks, &messages, &recovery,
			&cp.CreatedBy, &expires, &consumed, &cp.Version, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp.Trigger = model.CheckpointTrigger(trigger)
		cp.TriggerDetails = details.String
		if cp.Timestamp, err = decodeTime(created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sorties), &cp.Sorties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint sorties: %w", err)
		}
		if err := json.Unmarshal([]byte(locks), &cp.ActiveLocks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint locks: %w", err)
		}
		if err := json.Unmarshal([]byte(messages), &cp.PendingMessages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint messages: %w", err)
		}
		if err := json.Unmarshal([]byte(recovery), &cp.RecoveryContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recovery context: %w", err)
		}
		if cp.ExpiresAt, err = decodeTimePtr(expires); err != nil {
			return nil, err
		}
		if cp.ConsumedAt, err = decodeTimePtr(consumed); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint metadata: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return cps, nil
}
