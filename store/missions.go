package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flightline-ai/squawk/model"
)

// ErrInvalidTransition is returned when a mission status update would move
// backwards. Mission status is monotone except cancelled, which is terminal
// from any non-completed state.
var ErrInvalidTransition = errors.New("invalid mission status transition")

// ErrProgressRegression is returned when a sortie progress update would
// decrease progress while the sortie is not terminal.
var ErrProgressRegression = errors.New("sortie progress may not decrease")

// MissionStore persists missions and sorties and keeps the derived mission
// counters in step. Updates emit mission.updated / sortie.updated /
// sortie.progress events on the owning stream.
type MissionStore struct {
	db *DB
}

func missionRank(s model.MissionStatus) int {
	switch s {
	case model.MissionPending:
		return 0
	case model.MissionInProgress:
		return 1
	case model.MissionReview:
		return 2
	case model.MissionCompleted:
		return 3
	default:
		return -1
	}
}

// CreateMission inserts a new mission. ID and CreatedAt are assigned here if
// unset.
func (m *MissionStore) CreateMission(ctx context.Context, msn *model.Mission) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	if msn.ID == "" {
		msn.ID = model.NewID(model.PrefixMission)
	}
	if msn.Status == "" {
		msn.Status = model.MissionPending
	}
	if msn.Priority == "" {
		msn.Priority = model.PriorityMedium
	}
	if msn.CreatedAt.IsZero() {
		msn.CreatedAt = m.db.clock.Now()
	}
	metaJSON, err := marshalJSON(msn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal mission metadata: %w", err)
	}
	_, err = m.db.db.ExecContext(ctx,
		`INSERT INTO missions (id, title, description, strategy, status, priority, created_at,
			started_at, completed_at, total_sorties, completed_sorties, result, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msn.ID, msn.Title, msn.Description, string(msn.Strategy), string(msn.Status), string(msn.Priority),
		encodeTime(msn.CreatedAt), encodeTimePtr(msn.StartedAt), encodeTimePtr(msn.CompletedAt),
		msn.TotalSorties, msn.CompletedSorties, nullStr(msn.Result), metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert mission: %w", err)
	}
	return nil
}

// SaveTree persists a validated sortie tree: the mission row plus every
// sortie, with total_sorties derived from the tree. The tree's sorties must
// already carry mission-scoped ids.
func (m *MissionStore) SaveTree(ctx context.Context, tree *model.SortieTree) error {
	tree.Mission.TotalSorties = len(tree.Sorties)
	if err := m.CreateMission(ctx, &tree.Mission); err != nil {
		return err
	}
	for i := range tree.Sorties {
		tree.Sorties[i].MissionID = tree.Mission.ID
		if err := m.CreateSortie(ctx, &tree.Sorties[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetMission loads a mission by id.
func (m *MissionStore) GetMission(ctx context.Context, id string) (model.Mission, error) {
	missions, err := m.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	if err != nil {
		return model.Mission{}, err
	}
	if len(missions) == 0 {
		return model.Mission{}, ErrNotFound
	}
	return missions[0], nil
}

// ListMissions returns all missions, newest first.
func (m *MissionStore) ListMissions(ctx context.Context) ([]model.Mission, error) {
	return m.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC`)
}

// UpdateMissionStatus applies a monotone status transition. Cancelled is
// accepted from any non-completed state; any other backwards move fails with
// ErrInvalidTransition.
func (m *MissionStore) UpdateMissionStatus(ctx context.Context, id string, status model.MissionStatus) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	cur, err := m.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == status {
		return nil
	}
	switch {
	case status == model.MissionCancelled:
		if cur.Status == model.MissionCompleted {
			return fmt.Errorf("%w: completed mission cannot be cancelled", ErrInvalidTransition)
		}
	case cur.Status == model.MissionCancelled:
		return fmt.Errorf("%w: mission is cancelled", ErrInvalidTransition)
	case missionRank(status) < missionRank(cur.Status):
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}

	now := m.db.clock.Now()
	q := `UPDATE missions SET status = ?`
	args := []any{string(status)}
	if status == model.MissionInProgress && cur.StartedAt == nil {
		q += `, started_at = ?`
		args = append(args, encodeTime(now))
	}
	if status == model.MissionCompleted || status == model.MissionCancelled {
		q += `, completed_at = ?`
		args = append(args, encodeTime(now))
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	if _, err := m.db.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update mission status: %w", err)
	}

	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "mission.updated",
		StreamType: model.StreamMission,
		StreamID:   id,
		Data:       map[string]any{"status": string(status), "previous": string(cur.Status)},
	})
	return err
}

// RefreshMissionProgress recomputes completed_sorties from the sortie rows
// and returns the updated mission. The counter is derived, never
// caller-supplied.
func (m *MissionStore) RefreshMissionProgress(ctx context.Context, id string) (model.Mission, error) {
	if err := m.db.checkOpen(); err != nil {
		return model.Mission{}, err
	}
	var completed int
	err := m.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sorties WHERE mission_id = ? AND status = ?`,
		id, string(model.SortieCompleted)).Scan(&completed)
	if err != nil {
		return model.Mission{}, fmt.Errorf("failed to count completed sorties: %w", err)
	}
	if _, err := m.db.db.ExecContext(ctx,
		`UPDATE missions SET completed_sorties = ? WHERE id = ?`, completed, id); err != nil {
		return model.Mission{}, fmt.Errorf("failed to update mission progress: %w", err)
	}
	msn, err := m.GetMission(ctx, id)
	if err != nil {
		return model.Mission{}, err
	}
	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "mission.updated",
		StreamType: model.StreamMission,
		StreamID:   id,
		Data:       map[string]any{"completed_sorties": completed, "total_sorties": msn.TotalSorties},
	})
	return msn, err
}

// SetMissionResult records the mission's final result string.
func (m *MissionStore) SetMissionResult(ctx context.Context, id, result string) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.db.ExecContext(ctx, `UPDATE missions SET result = ? WHERE id = ?`, result, id)
	if err != nil {
		return fmt.Errorf("failed to set mission result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sorties ---------------------------------------------------------------

// CreateSortie inserts a new sortie. ID defaults if unset.
func (m *MissionStore) CreateSortie(ctx context.Context, s *model.Sortie) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = model.NewID(model.PrefixSortie)
	}
	if s.Status == "" {
		s.Status = model.SortiePending
	}
	if s.Priority == "" {
		s.Priority = model.PriorityMedium
	}
	filesJSON, err := json.Marshal(s.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal sortie files: %w", err)
	}
	depsJSON, err := json.Marshal(s.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal sortie dependencies: %w", err)
	}
	metaJSON, err := marshalJSON(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal sortie metadata: %w", err)
	}
	_, err = m.db.db.ExecContext(ctx,
		`INSERT INTO sorties (id, mission_id, title, description, status, priority, assigned_to,
			files, dependencies, progress, progress_notes, started_at, completed_at,
			blocked_by, blocked_reason, result, complexity, estimated_effort_hours, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, nullStr(s.MissionID), s.Title, s.Description, string(s.Status), string(s.Priority),
		nullStr(s.AssignedTo), string(filesJSON), string(depsJSON), s.Progress, nullStr(s.ProgressNotes),
		encodeTimePtr(s.StartedAt), encodeTimePtr(s.CompletedAt), nullStr(s.BlockedBy),
		nullStr(s.BlockedReason), nullStr(s.Result), string(s.Complexity), s.EstimatedHours, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert sortie: %w", err)
	}
	return nil
}

// GetSortie loads a sortie by id.
func (m *MissionStore) GetSortie(ctx context.Context, id string) (model.Sortie, error) {
	sorties, err := m.querySorties(ctx, `SELECT `+sortieColumns+` FROM sorties WHERE id = ?`, id)
	if err != nil {
		return model.Sortie{}, err
	}
	if len(sorties) == 0 {
		return model.Sortie{}, ErrNotFound
	}
	return sorties[0], nil
}

// ListSortiesByMission returns a mission's sorties.
func (m *MissionStore) ListSortiesByMission(ctx context.Context, missionID string) ([]model.Sortie, error) {
	return m.querySorties(ctx, `SELECT `+sortieColumns+` FROM sorties WHERE mission_id = ?`, missionID)
}

// ListSortiesByStatus returns every sortie in the given state.
func (m *MissionStore) ListSortiesByStatus(ctx context.Context, status model.SortieStatus) ([]model.Sortie, error) {
	return m.querySorties(ctx, `SELECT `+sortieColumns+` FROM sorties WHERE status = ?`, string(status))
}

// UpdateSortieStatus moves a sortie to a new state, stamping started_at and
// completed_at as appropriate, and emits sortie.updated.
func (m *MissionStore) UpdateSortieStatus(ctx context.Context, id string, status model.SortieStatus) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	cur, err := m.GetSortie(ctx, id)
	if err != nil {
		return err
	}
	now := m.db.clock.Now()
	q := `UPDATE sorties SET status = ?`
	args := []any{string(status)}
	if status == model.SortieInProgress && cur.StartedAt == nil {
		q += `, started_at = ?`
		args = append(args, encodeTime(now))
	}
	if status.Terminal() {
		q += `, completed_at = ?`
		args = append(args, encodeTime(now))
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	if _, err := m.db.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update sortie status: %w", err)
	}
	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "sortie.updated",
		StreamType: model.StreamSortie,
		StreamID:   id,
		Data:       map[string]any{"status": string(status), "previous": string(cur.Status), "mission_id": cur.MissionID},
	})
	return err
}

// AssignSortie records the specialist a sortie is handed to and moves it to
// assigned. Emits sortie.assigned.
func (m *MissionStore) AssignSortie(ctx context.Context, id, specialistID string) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.db.ExecContext(ctx,
		`UPDATE sorties SET assigned_to = ?, status = ? WHERE id = ?`,
		specialistID, string(model.SortieAssigned), id)
	if err != nil {
		return fmt.Errorf("failed to assign sortie: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "sortie.assigned",
		StreamType: model.StreamSortie,
		StreamID:   id,
		Data:       map[string]any{"assigned_to": specialistID},
	})
	return err
}

// UpdateSortieProgress records progress in [0,100]. Progress never decreases
// while the sortie is non-terminal; a lower value fails with
// ErrProgressRegression. Emits sortie.progress.
func (m *MissionStore) UpdateSortieProgress(ctx context.Context, id string, progress int, notes string) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d outside [0,100]", progress)
	}
	cur, err := m.GetSortie(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.Terminal() && progress < cur.Progress {
		return fmt.Errorf("%w: %d -> %d", ErrProgressRegression, cur.Progress, progress)
	}
	q := `UPDATE sorties SET progress = ?`
	args := []any{progress}
	if notes != "" {
		q += `, progress_notes = ?`
		args = append(args, notes)
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	if _, err := m.db.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update sortie progress: %w", err)
	}
	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "sortie.progress",
		StreamType: model.StreamSortie,
		StreamID:   id,
		Data:       map[string]any{"progress": progress, "notes": notes, "mission_id": cur.MissionID},
	})
	return err
}

// MarkSortieBlocked records what a sortie is waiting on.
func (m *MissionStore) MarkSortieBlocked(ctx context.Context, id, blockedBy, reason string) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.db.ExecContext(ctx,
		`UPDATE sorties SET status = ?, blocked_by = ?, blocked_reason = ? WHERE id = ?`,
		string(model.SortieBlocked), nullStr(blockedBy), nullStr(reason), id)
	if err != nil {
		return fmt.Errorf("failed to mark sortie blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = m.db.Events().Append(ctx, AppendInput{
		EventType:  "sortie.updated",
		StreamType: model.StreamSortie,
		StreamID:   id,
		Data:       map[string]any{"status": string(model.SortieBlocked), "blocked_by": blockedBy, "reason": reason},
	})
	return err
}

// SetSortieResult records a sortie's final result string.
func (m *MissionStore) SetSortieResult(ctx context.Context, id, result string) error {
	if err := m.db.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.db.ExecContext(ctx, `UPDATE sorties SET result = ? WHERE id = ?`, result, id)
	if err != nil {
		return fmt.Errorf("failed to set sortie result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- row scanning ----------------------------------------------------------

const missionColumns = `id, title, description, strategy, status, priority, created_at,
	started_at, completed_at, total_sorties, completed_sorties, result, metadata`

func (m *MissionStore) queryMissions(ctx context.Context, q string, args ...any) ([]model.Mission, error) {
	if err := m.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missions []model.Mission
	for rows.Next() {
		var (
			msn                model.Mission
			strategy, status   string
			priority, created  string
			started, completed sql.NullString
			result, metaJSON   sql.NullString
		)
		if err := rows.Scan(&msn.ID, &msn.Title, &msn.Description, &strategy, &status, &priority,
			&created, &started, &completed, &msn.TotalSorties, &msn.CompletedSorties,
			&result, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan mission row: %w", err)
		}
		msn.Strategy = model.Strategy(strategy)
		msn.Status = model.MissionStatus(status)
		msn.Priority = model.Priority(priority)
		msn.Result = result.String
		if msn.CreatedAt, err = decodeTime(created); err != nil {
			return nil, err
		}
		if msn.StartedAt, err = decodeTimePtr(started); err != nil {
			return nil, err
		}
		if msn.CompletedAt, err = decodeTimePtr(completed); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &msn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mission metadata: %w", err)
		}
		missions = append(missions, msn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mission rows: %w", err)
	}
	return missions, nil
}

const sortieColumns = `id, mission_id, title, description, status, priority, assigned_to,
	files, dependencies, progress, progress_notes, started_at, completed_at,
	blocked_by, blocked_reason, result, complexity, estimated_effort_hours, metadata`

func (m *MissionStore) querySorties(ctx context.Context, q string, args ...any) ([]model.Sortie, error) {
	if err := m.db.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sorties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sorties []model.Sortie
	for rows.Next() {
		var (
			s                            model.Sortie
			missionID, assigned          sql.NullString
			status, priority, complexity string
			filesJSON, depsJSON          string
			notes, blockedBy, blockedWhy sql.NullString
			started, completed           sql.NullString
			result, metaJSON             sql.NullString
		)
		if err := rows.Scan(&s.ID, &missionID, &s.Title, &s.Description, &status, &priority,
			&assigned, &filesJSON, &depsJSON, &s.Progress, &notes, &started, &completed,
			&blockedBy, &blockedWhy, &result, &complexity, &s.EstimatedHours, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan sortie row: %w", err)
		}
		s.MissionID = missionID.String
		s.AssignedTo = assigned.String
		s.Status = model.SortieStatus(status)
		s.Priority = model.Priority(priority)
		s.Complexity = model.Complexity(complexity)
		s.ProgressNotes = notes.String
		s.BlockedBy = blockedBy.String
		s.BlockedReason = blockedWhy.String
		s.Result = result.String
		if err := json.Unmarshal([]byte(filesJSON), &s.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sortie files: %w", err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &s.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sortie dependencies: %w", err)
		}
		if s.StartedAt, err = decodeTimePtr(started); err != nil {
			return nil, err
		}
		if s.CompletedAt, err = decodeTimePtr(completed); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sortie metadata: %w", err)
		}
		sorties = append(sorties, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sortie rows: %w", err)
	}
	return sorties, nil
}
