package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// SpecialistStore persists the fleet registry rows.
type SpecialistStore struct {
	db *DB
}

// Register inserts a specialist. ID, RegisteredAt, and LastSeen default here.
func (r *SpecialistStore) Register(ctx context.Context, sp *model.Specialist) error {
	if err := r.db.checkOpen(); err != nil {
		return err
	}
	now := r.db.clock.Now()
	if sp.ID == "" {
		sp.ID = model.NewID(model.PrefixSpecialist)
	}
	if sp.Status == "" {
		sp.Status = model.SpecialistActive
	}
	if sp.RegisteredAt.IsZero() {
		sp.RegisteredAt = now
	}
	if sp.LastSeen.IsZero() {
		sp.LastSeen = now
	}
	capsJSON, err := json.Marshal(sp.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	metaJSON, err := marshalJSON(sp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal specialist metadata: %w", err)
	}
	_, err = r.db.db.ExecContext(ctx,
		`INSERT INTO specialists (id, name, status, capabilities, registered_at, last_seen, current_sortie, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, string(sp.Status), string(capsJSON),
		encodeTime(sp.RegisteredAt), encodeTime(sp.LastSeen), nullStr(sp.CurrentSortie), metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert specialist: %w", err)
	}
	return nil
}

// Get loads a specialist by id.
func (r *SpecialistStore) Get(ctx context.Context, id string) (model.Specialist, error) {
	sps, err := r.query(ctx, `SELECT `+specialistColumns+` FROM specialists WHERE id = ?`, id)
	if err != nil {
		return model.Specialist{}, err
	}
	if len(sps) == 0 {
		return model.Specialist{}, ErrNotFound
	}
	return sps[0], nil
}

// List returns every registered specialist.
func (r *SpecialistStore) List(ctx context.Context) ([]model.Specialist, error) {
	return r.query(ctx, `SELECT `+specialistColumns+` FROM specialists ORDER BY registered_at ASC`)
}

// ListByStatus returns specialists in a given state.
func (r *SpecialistStore) ListByStatus(ctx context.Context, status model.SpecialistStatus) ([]model.Specialist, error) {
	return r.query(ctx, `SELECT `+specialistColumns+` FROM specialists WHERE status = ?`, string(status))
}

// UpdateHeartbeat sets last_seen to now.
func (r *SpecialistStore) UpdateHeartbeat(ctx context.Context, id string) error {
	if err := r.db.checkOpen(); err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx,
		`UPDATE specialists SET last_seen = ? WHERE id = ?`, encodeTime(r.db.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets a specialist's status and, optionally, its current
// sortie ("" clears it).
func (r *SpecialistStore) UpdateStatus(ctx context.Context, id string, status model.SpecialistStatus, currentSortie string) error {
	if err := r.db.checkOpen(); err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx,
		`UPDATE specialists SET status = ?, current_sortie = ? WHERE id = ?`,
		string(status), nullStr(currentSortie), id)
	if err != nil {
		return fmt.Errorf("failed to update specialist status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a specialist row. Returns ErrNotFound if absent.
func (r *SpecialistStore) Remove(ctx context.Context, id string) error {
	if err := r.db.checkOpen(); err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx, `DELETE FROM specialists WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove specialist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleSince returns specialists whose last_seen is at or before the cutoff
// and whose stored status still claims liveness. These are the heartbeat
// watcher's candidates for specialist.missed_heartbeat events.
func (r *SpecialistStore) StaleSince(ctx context.Context, cutoff time.Time) ([]model.Specialist, error) {
	return r.query(ctx,
		`SELECT `+specialistColumns+` FROM specialists
		 WHERE last_seen <= ? AND status IN (?, ?, ?)`,
		encodeTime(cutoff),
		string(model.SpecialistActive), string(model.SpecialistBusy), string(model.SpecialistIdle))
}

const specialistColumns = `id, name, status, capabilities, registered_at, last_seen, current_sortie, metadata`

func (r *SpecialistStore) query(ctx context.Context, q string, args ...any) ([]model.Specialist, error) {
	if err := r.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := r.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query specialists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sps []model.Specialist
	for rows.Next() {
		var (
			sp                   model.Specialist
			status               string
			capsJSON             sql.NullString
			registered, lastSeen string
			current, metaJSON    sql.NullString
		)
		if err := rows.Scan(&sp.ID, &sp.Name, &status, &capsJSON, &registered, &lastSeen,
			&current, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan specialist row: %w", err)
		}
		sp.Status = model.SpecialistStatus(status)
		sp.CurrentSortie = current.String
		if capsJSON.Valid && capsJSON.String != "" {
			if err := json.Unmarshal([]byte(capsJSON.String), &sp.Capabilities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
			}
		}
		if sp.RegisteredAt, err = decodeTime(registered); err != nil {
			return nil, err
		}
		if sp.LastSeen, err = decodeTime(lastSeen); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &sp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal specialist metadata: %w", err)
		}
		sps = append(sps, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating specialist rows: %w", err)
	}
	return sps, nil
}
