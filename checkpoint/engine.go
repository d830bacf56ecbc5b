package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// SchemaVersion is stamped on every checkpoint this engine writes.
const SchemaVersion = 1

// DefaultRetention is how long checkpoints are kept before pruning.
const DefaultRetention = 7 * 24 * time.Hour

// SaveInput describes the checkpoint to take. MissionID and Trigger are
// required.
type SaveInput struct {
	MissionID      string                  `json:"mission_id"`
	Trigger        model.CheckpointTrigger `json:"trigger"`
	TriggerDetails string                  `json:"trigger_details,omitempty"`
	CreatedBy      string                  `json:"created_by,omitempty"`
	Recovery       model.RecoveryContext   `json:"recovery_context"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
}

// Engine takes mission snapshots and writes each one twice: a row in the
// checkpoints table and a JSON file under the checkpoint directory. The
// relational store is authoritative; the files survive a lost database.
type Engine struct {
	checkpoints *store.CheckpointStore
	missions    *store.MissionStore
	locks       *store.LockStore
	messages    *store.MessageStore
	events      *store.EventStore
	files       *FileStore
	emitter     emit.Emitter
	clock       model.Clock
	retention   time.Duration
}

// NewEngine wires an Engine. A non-positive retention defaults to seven
// days.
func NewEngine(db *store.DB, files *FileStore, emitter emit.Emitter, retention time.Duration) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Engine{
		checkpoints: db.Checkpoints(),
		missions:    db.Missions(),
		locks:       db.Locks(),
		messages:    db.Messages(),
		events:      db.Events(),
		files:       files,
		emitter:     emitter,
		clock:       db.Clock(),
		retention:   retention,
	}
}

// Files exposes the file-backed half, used by the reconciler and tests.
func (e *Engine) Files() *FileStore { return e.files }

// Save snapshots the mission's sorties, the locks held by its
// specialists, and their pending messages, then dual-writes the
// checkpoint. One surviving write is enough; Save fails only when both
// halves fail.
func (e *Engine) Save(ctx context.Context, in SaveInput) (model.Checkpoint, error) {
	if in.MissionID == "" {
		return model.Checkpoint{}, fmt.Errorf("mission id is required")
	}
	if in.Trigger == "" {
		return model.Checkpoint{}, fmt.Errorf("checkpoint trigger is required")
	}
	mission, err := e.missions.GetMission(ctx, in.MissionID)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to load mission %s: %w", in.MissionID, err)
	}
	sorties, err := e.missions.ListSortiesByMission(ctx, in.MissionID)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to load sorties: %w", err)
	}

	var locks []model.Lock
	var pending []model.Message
	seenHolder := map[string]bool{}
	for _, s := range sorties {
		if s.AssignedTo == "" || seenHolder[s.AssignedTo] {
			continue
		}
		seenHolder[s.AssignedTo] = true

		held, err := e.locks.ActiveByHolder(ctx, s.AssignedTo)
		if err != nil {
			return model.Checkpoint{}, fmt.Errorf("failed to load locks for %s: %w", s.AssignedTo, err)
		}
		locks = append(locks, held...)

		mailbox, err := e.messages.MailboxByOwner(ctx, s.AssignedTo)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Checkpoint{}, fmt.Errorf("failed to load mailbox for %s: %w", s.AssignedTo, err)
		}
		msgs, err := e.messages.ListByMailbox(ctx, mailbox.ID, model.MessagePending)
		if err != nil {
			return model.Checkpoint{}, fmt.Errorf("failed to load pending messages: %w", err)
		}
		pending = append(pending, msgs...)
	}

	now := e.clock.Now()
	expires := now.Add(e.retention)
	recovery := in.Recovery
	if recovery.MissionSummary == "" {
		recovery.MissionSummary = mission.Title
	}
	if recovery.LastActivityAt.IsZero() {
		recovery.LastActivityAt = now
	}
	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	cp := model.Checkpoint{
		ID:              model.NewID(model.PrefixCheckpoint),
		MissionID:       in.MissionID,
		Timestamp:       now,
		Trigger:         in.Trigger,
		TriggerDetails:  in.TriggerDetails,
		ProgressPercent: progressPercent(sorties),
		Sorties:         sorties,
		ActiveLocks:     locks,
		PendingMessages: pending,
		RecoveryContext: recovery,
		CreatedBy:       createdBy,
		ExpiresAt:       &expires,
		Version:         SchemaVersion,
		Metadata:        in.Metadata,
	}

	rowErr := e.checkpoints.Insert(ctx, &cp)
	fileErr := e.files.Write(cp)
	if rowErr != nil && fileErr != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint write failed on both stores: %v; %v", rowErr, fileErr)
	}
	if fileErr == nil {
		if err := e.files.RefreshLatest(); err != nil {
			slog.Warn("failed to refresh latest checkpoint pointer", "error", err)
		}
	}

	if _, err := e.events.Append(ctx, store.AppendInput{
		EventType:  "checkpoint.created",
		StreamType: model.StreamMission,
		StreamID:   in.MissionID,
		Data: map[string]any{
			"checkpoint_id":    cp.ID,
			"trigger":          string(cp.Trigger),
			"progress_percent": cp.ProgressPercent,
			"sorties":          len(cp.Sorties),
			"active_locks":     len(cp.ActiveLocks),
		},
	}); err != nil {
		return model.Checkpoint{}, err
	}
	e.emitter.Emit(emit.Event{
		Stream: model.StreamMission, StreamID: in.MissionID, Type: "checkpoint.created",
		Msg:  fmt.Sprintf("checkpoint %s at %.0f%%", cp.ID, cp.ProgressPercent),
		Meta: map[string]any{"checkpoint_id": cp.ID, "trigger": string(cp.Trigger)},
	})
	return cp, nil
}

// Get loads one checkpoint, preferring the relational row and falling
// back to the file backup.
func (e *Engine) Get(ctx context.Context, id string) (model.Checkpoint, error) {
	cp, err := e.checkpoints.Get(ctx, id)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Checkpoint{}, err
	}
	cp, ferr := e.files.Read(id)
	if ferr != nil {
		if os.IsNotExist(ferr) {
			return model.Checkpoint{}, store.ErrNotFound
		}
		return model.Checkpoint{}, ferr
	}
	return cp, nil
}

// GetLatest returns the newest unconsumed checkpoint for a mission. When
// the relational store has none, the checkpoint directory is scanned.
func (e *Engine) GetLatest(ctx context.Context, missionID string) (model.Checkpoint, error) {
	cp, err := e.checkpoints.LatestUnconsumed(ctx, missionID)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Checkpoint{}, err
	}
	cp, ferr := e.files.LatestFor(missionID)
	if ferr != nil {
		if errors.Is(ferr, os.ErrNotExist) {
			return model.Checkpoint{}, store.ErrNotFound
		}
		return model.Checkpoint{}, ferr
	}
	if cp.ConsumedAt != nil {
		return model.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// List returns every checkpoint recorded for a mission, newest first.
func (e *Engine) List(ctx context.Context, missionID string) ([]model.Checkpoint, error) {
	return e.checkpoints.ListByMission(ctx, missionID)
}

// MarkConsumed stamps a checkpoint as used by a completed recovery. The
// file backup is rewritten so the consumed checkpoint cannot resurface
// through the directory fallback.
func (e *Engine) MarkConsumed(ctx context.Context, id string) error {
	if err := e.checkpoints.MarkConsumed(ctx, id); err != nil {
		return err
	}
	if cp, err := e.checkpoints.Get(ctx, id); err == nil {
		_ = e.files.Write(cp)
	}
	return nil
}

// Delete removes a checkpoint from both stores and refreshes the latest
// pointer. It returns store.ErrNotFound only when neither store had it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	rowErr := e.checkpoints.Delete(ctx, id)
	if rowErr != nil && !errors.Is(rowErr, store.ErrNotFound) {
		return rowErr
	}
	_, readErr := e.files.Read(id)
	fileFound := readErr == nil
	if err := e.files.Delete(id); err != nil {
		return err
	}
	if err := e.files.RefreshLatest(); err != nil {
		return err
	}
	if errors.Is(rowErr, store.ErrNotFound) && !fileFound {
		return store.ErrNotFound
	}
	return nil
}

// PruneExpired deletes checkpoints older than the retention window from
// both stores and returns how many were removed.
func (e *Engine) PruneExpired(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.retention)
	ids, err := e.checkpoints.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.files.Delete(id); err != nil {
			slog.Warn("failed to delete expired checkpoint file", "checkpoint_id", id, "error", err)
		}
	}
	// Files with no surviving row can outlive the cutoff too.
	cps, _ := e.files.List()
	for _, cp := range cps {
		if !cp.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := e.checkpoints.Get(ctx, cp.ID); errors.Is(err, store.ErrNotFound) {
			if err := e.files.Delete(cp.ID); err == nil {
				ids = append(ids, cp.ID)
			}
		}
	}
	if len(ids) > 0 {
		if err := e.files.RefreshLatest(); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

// progressPercent averages sortie progress, counting terminal sorties as
// complete.
func progressPercent(sorties []model.Sortie) float64 {
	if len(sorties) == 0 {
		return 0
	}
	total := 0
	for _, s := range sorties {
		p := s.Progress
		if s.Status == model.SortieCompleted {
			p = 100
		}
		if p > 100 {
			p = 100
		}
		if p < 0 {
			p = 0
		}
		total += p
	}
	return math.Round(float64(total)/float64(len(sorties))*100) / 100
}

// Cleaner prunes expired checkpoints on an interval.
type Cleaner struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewCleaner creates a Cleaner. A non-positive interval defaults to one
// hour.
func NewCleaner(engine *Engine, interval time.Duration, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{engine: engine, interval: interval, logger: logger}
}

// Run prunes until ctx is cancelled. Prune errors are logged, not fatal.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.engine.PruneExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("checkpoint prune failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Info("pruned expired checkpoints", "count", n)
			}
		}
	}
}
