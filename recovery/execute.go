package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// errorMargin is the share of per-item failures a recovery may absorb and
// still count as successful.
const errorMargin = 0.10

// ItemError records one failed restore operation.
type ItemError struct {
	Phase string `json:"phase"`
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Result summarizes one recovery attempt.
type Result struct {
	CheckpointID string      `json:"checkpoint_id"`
	MissionID    string      `json:"mission_id"`
	DryRun       bool        `json:"dry_run"`
	Attempted    int         `json:"attempted"`
	Succeeded    int         `json:"succeeded"`
	Failed       int         `json:"failed"`
	Partial      bool        `json:"partial"`
	Errors       []ItemError `json:"errors,omitempty"`
	LogPath      string      `json:"log_path,omitempty"`
}

// ErrTooManyFailures aborts a recovery whose per-item failures exceed the
// tolerated margin.
var ErrTooManyFailures = errors.New("recovery failed: error margin exceeded")

// Execute runs a plan in three phases: agents in priority order, then
// tasks, then locks. A dry run only writes the recovery log. Individual
// failures are collected; Execute errors only when more than 10% of items
// fail.
func (m *Manager) Execute(ctx context.Context, plan Plan, dryRun bool) (Result, error) {
	result := Result{
		CheckpointID: plan.CheckpointID,
		MissionID:    plan.MissionID,
		DryRun:       dryRun,
		Attempted:    plan.Items(),
	}

	log, err := m.openLog(plan, dryRun)
	if err != nil {
		return result, err
	}
	defer log.close()

	agents := append([]AgentRestore{}, plan.AgentsToRestore...)
	sort.SliceStable(agents, func(i, j int) bool {
		return model.PriorityRank(agents[i].Priority) > model.PriorityRank(agents[j].Priority)
	})

	// Maps the snapshot's assignment strings to freshly registered ids so
	// the later phases hand sorties and locks to the restored specialists.
	restored := map[string]string{}

	for _, a := range agents {
		itemErr := error(nil)
		if !dryRun {
			itemErr = m.restoreAgent(ctx, a, restored)
		}
		log.item("agents", a.SortieID, dryRun, itemErr)
		result.record("agents", a.SortieID, itemErr)
	}
	for _, task := range plan.TasksToResume {
		itemErr := error(nil)
		if !dryRun {
			itemErr = m.resumeTask(ctx, task, restored)
		}
		log.item("tasks", task.SortieID, dryRun, itemErr)
		result.record("tasks", task.SortieID, itemErr)
	}
	for _, lr := range plan.LocksToRestore {
		itemErr := error(nil)
		if !dryRun {
			itemErr = m.restoreLock(ctx, lr, plan.Force, restored)
		}
		log.item("locks", lr.File, dryRun, itemErr)
		result.record("locks", lr.File, itemErr)
	}

	result.LogPath = log.path
	if result.Attempted > 0 && float64(result.Failed) > errorMargin*float64(result.Attempted) {
		log.summary(result, "failed")
		return result, fmt.Errorf("%w: %d of %d items failed", ErrTooManyFailures, result.Failed, result.Attempted)
	}
	result.Partial = result.Failed > 0

	outcome := "succeeded"
	if result.Partial {
		outcome = "partial"
	}
	if dryRun {
		outcome = "dry_run"
	}
	log.summary(result, outcome)

	if !dryRun {
		if err := m.engine.MarkConsumed(ctx, plan.CheckpointID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return result, err
		}
		if _, err := m.events.Append(ctx, store.AppendInput{
			EventType:  "recovery.executed",
			StreamType: model.StreamMission,
			StreamID:   plan.MissionID,
			Data: map[string]any{
				"checkpoint_id": plan.CheckpointID,
				"attempted":     result.Attempted,
				"failed":        result.Failed,
				"outcome":       outcome,
			},
		}); err != nil {
			return result, err
		}
	}
	m.emitter.Emit(emit.Event{
		Stream: model.StreamMission, StreamID: plan.MissionID, Type: "recovery.executed",
		Msg:  fmt.Sprintf("recovery %s: %d/%d items", outcome, result.Succeeded, result.Attempted),
		Meta: map[string]any{"checkpoint_id": plan.CheckpointID, "dry_run": dryRun},
	})
	return result, nil
}

func (r *Result) record(phase, item string, err error) {
	if err != nil {
		r.Failed++
		r.Errors = append(r.Errors, ItemError{Phase: phase, Item: item, Error: err.Error()})
		return
	}
	r.Succeeded++
}

func (m *Manager) restoreAgent(ctx context.Context, a AgentRestore, restored map[string]string) error {
	now := m.clock.Now()
	sp := model.Specialist{
		ID:            model.NewID(model.PrefixSpecialist),
		Name:          a.Assignment,
		Capabilities:  []string{a.AgentType},
		Status:        model.SpecialistActive,
		CurrentSortie: a.SortieID,
		RegisteredAt:  now,
		LastSeen:      now,
		Metadata:      map[string]any{"restored_from": a.Assignment},
	}
	if sp.Name == "" {
		sp.Name = a.AgentType
	}
	if err := m.specialists.Register(ctx, &sp); err != nil {
		return err
	}
	if a.Assignment != "" {
		restored[a.Assignment] = sp.ID
	}
	return nil
}

func (m *Manager) resumeTask(ctx context.Context, task TaskResume, restored map[string]string) error {
	assignee := task.AssignedAgent
	if id, ok := restored[assignee]; ok {
		assignee = id
	}
	if assignee != "" {
		if err := m.missions.AssignSortie(ctx, task.SortieID, assignee); err != nil {
			return err
		}
		if err := m.missions.UpdateSortieStatus(ctx, task.SortieID, model.SortieInProgress); err != nil {
			return err
		}
	}
	if task.Progress > 0 {
		err := m.missions.UpdateSortieProgress(ctx, task.SortieID, task.Progress, "resumed from checkpoint")
		if err != nil && !errors.Is(err, store.ErrProgressRegression) {
			return err
		}
	}
	return nil
}

func (m *Manager) restoreLock(ctx context.Context, lr LockRestore, force bool, restored map[string]string) error {
	holder := lr.Holder
	if id, ok := restored[holder]; ok {
		holder = id
	}
	timeout := lr.ExpiresAt.Sub(m.clock.Now())
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	res, err := m.locks.Acquire(ctx, lr.File, holder, timeout, lr.Purpose, "")
	if err != nil {
		return err
	}
	if !res.Conflict {
		return nil
	}
	if !force {
		return fmt.Errorf("file %s is reserved by %s", lr.File, res.ExistingLock.ReservedBy)
	}
	if _, err := m.locks.ForceRelease(ctx, res.ExistingLock.ID); err != nil {
		return err
	}
	res, err = m.locks.Acquire(ctx, lr.File, holder, timeout, lr.Purpose, "")
	if err != nil {
		return err
	}
	if res.Conflict {
		return fmt.Errorf("file %s still reserved after force release", lr.File)
	}
	return nil
}

// recoveryLog appends one JSON line per restore item plus a summary line.
type recoveryLog struct {
	file *os.File
	path string
	enc  *json.Encoder
	now  func() time.Time
}

func (m *Manager) openLog(plan Plan, dryRun bool) (*recoveryLog, error) {
	log := &recoveryLog{now: m.clock.Now}
	if m.logDir == "" {
		return log, nil
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recovery log dir: %w", err)
	}
	path := filepath.Join(m.logDir, "recovery.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery log: %w", err)
	}
	log.file = f
	log.path = path
	log.enc = json.NewEncoder(f)
	log.write(map[string]any{
		"entry":         "start",
		"checkpoint_id": plan.CheckpointID,
		"mission_id":    plan.MissionID,
		"dry_run":       dryRun,
		"items":         plan.Items(),
		"risks":         plan.Risks,
	})
	return log, nil
}

func (l *recoveryLog) item(phase, item string, dryRun bool, err error) {
	status := "ok"
	if dryRun {
		status = "planned"
	}
	entry := map[string]any{"entry": "item", "phase": phase, "item": item, "status": status}
	if err != nil {
		entry["status"] = "failed"
		entry["error"] = err.Error()
	}
	l.write(entry)
}

func (l *recoveryLog) summary(r Result, outcome string) {
	l.write(map[string]any{
		"entry":     "summary",
		"outcome":   outcome,
		"attempted": r.Attempted,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
	})
}

func (l *recoveryLog) write(entry map[string]any) {
	if l.enc == nil {
		return
	}
	entry["ts"] = l.now().Format(time.RFC3339Nano)
	_ = l.enc.Encode(entry)
}

func (l *recoveryLog) close() {
	if l.file != nil {
		_ = l.file.Close()
	}
}
