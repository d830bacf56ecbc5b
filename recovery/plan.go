// Package recovery rebuilds a mission from a checkpoint: restart its
// specialists, resume its sorties, and re-acquire its file locks. Planning
// is pure; execution runs in three phases and tolerates a bounded share of
// per-item failures.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

// RiskActiveLocks is surfaced whenever the checkpoint carries locks that
// must be re-acquired against current state.
const RiskActiveLocks = "Active locks may conflict with current state"

// maxCheckpointAge is the age beyond which restoring is flagged as risky.
const maxCheckpointAge = 24 * time.Hour

// AgentRestore restarts one specialist for an interrupted sortie.
type AgentRestore struct {
	SortieID   string         `json:"sortie_id"`
	Assignment string         `json:"assignment"`
	AgentType  string         `json:"agent_type"`
	Priority   model.Priority `json:"priority"`
}

// TaskResume puts one sortie back in progress.
type TaskResume struct {
	SortieID      string   `json:"sortie_id"`
	Progress      int      `json:"progress"`
	AssignedAgent string   `json:"assigned_agent,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
}

// LockRestore re-acquires one file lock from the snapshot. ConflictCheck
// marks entries that must be checked against live locks before acquiring.
type LockRestore struct {
	File          string            `json:"file"`
	Holder        string            `json:"holder"`
	Purpose       model.LockPurpose `json:"purpose"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ConflictCheck bool              `json:"conflict_check"`
}

// Plan is everything Execute needs to restore a mission, plus the risks
// an operator should weigh first.
type Plan struct {
	CheckpointID    string         `json:"checkpoint_id"`
	MissionID       string         `json:"mission_id"`
	CreatedAt       time.Time      `json:"created_at"`
	Force           bool           `json:"force"`
	AgentsToRestore []AgentRestore `json:"agents_to_restore"`
	TasksToResume   []TaskResume   `json:"tasks_to_resume"`
	LocksToRestore  []LockRestore  `json:"locks_to_restore"`
	Risks           []string       `json:"risks,omitempty"`
}

// Items counts the individual restore operations in the plan.
func (p Plan) Items() int {
	return len(p.AgentsToRestore) + len(p.TasksToResume) + len(p.LocksToRestore)
}

// agentTypes the planner recognizes in an assignment string. Anything
// else restores as a backend specialist.
var agentTypes = []string{"frontend", "backend", "testing", "documentation", "security", "performance"}

// AgentTypeFor derives the specialist type from an assignment string.
func AgentTypeFor(assignment string) string {
	name := strings.ToLower(assignment)
	for _, t := range agentTypes {
		if strings.Contains(name, t) {
			return t
		}
	}
	return "backend"
}

// Manager plans and executes mission recovery from checkpoints.
type Manager struct {
	engine      *checkpoint.Engine
	missions    *store.MissionStore
	specialists *store.SpecialistStore
	events      *store.EventStore
	locks       *lock.Manager
	emitter     emit.Emitter
	clock       model.Clock
	logDir      string
}

// NewManager wires a Manager. logDir receives the recovery log; empty
// disables file logging.
func NewManager(db *store.DB, engine *checkpoint.Engine, locks *lock.Manager, emitter emit.Emitter, logDir string) *Manager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Manager{
		engine:      engine,
		missions:    db.Missions(),
		specialists: db.Specialists(),
		events:      db.Events(),
		locks:       locks,
		emitter:     emitter,
		clock:       db.Clock(),
		logDir:      logDir,
	}
}

// CreateRecoveryPlan builds a plan from one checkpoint. Planning never
// mutates state; locks already held by their snapshot holder are left out
// so that re-running after a successful recovery shrinks the plan.
func (m *Manager) CreateRecoveryPlan(ctx context.Context, checkpointID string, force bool) (Plan, error) {
	cp, err := m.engine.Get(ctx, checkpointID)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		CheckpointID: cp.ID,
		MissionID:    cp.MissionID,
		CreatedAt:    m.clock.Now(),
		Force:        force,
	}

	for _, s := range cp.Sorties {
		if s.Status == model.SortieInProgress {
			plan.AgentsToRestore = append(plan.AgentsToRestore, AgentRestore{
				SortieID:   s.ID,
				Assignment: s.AssignedTo,
				AgentType:  AgentTypeFor(s.AssignedTo),
				Priority:   s.Priority,
			})
		}
		if s.Status != model.SortieCompleted {
			plan.TasksToResume = append(plan.TasksToResume, TaskResume{
				SortieID:      s.ID,
				Progress:      s.Progress,
				AssignedAgent: s.AssignedTo,
				NextSteps:     cp.RecoveryContext.NextSteps,
			})
		}
	}

	for _, lk := range cp.ActiveLocks {
		current, err := m.locks.GetByFile(ctx, lk.File)
		if err != nil {
			return Plan{}, err
		}
		if current != nil && current.ReservedBy == lk.ReservedBy {
			continue
		}
		plan.LocksToRestore = append(plan.LocksToRestore, LockRestore{
			File:          lk.File,
			Holder:        lk.ReservedBy,
			Purpose:       lk.Purpose,
			ExpiresAt:     lk.ExpiresAt,
			ConflictCheck: true,
		})
	}

	plan.Risks = m.assessRisks(ctx, cp, plan, force)

	if _, err := m.events.Append(ctx, store.AppendInput{
		EventType:  "recovery.planned",
		StreamType: model.StreamMission,
		StreamID:   cp.MissionID,
		Data: map[string]any{
			"checkpoint_id": cp.ID,
			"agents":        len(plan.AgentsToRestore),
			"tasks":         len(plan.TasksToResume),
			"locks":         len(plan.LocksToRestore),
			"risks":         plan.Risks,
		},
	}); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (m *Manager) assessRisks(ctx context.Context, cp model.Checkpoint, plan Plan, force bool) []string {
	var risks []string
	if age := m.clock.Now().Sub(cp.Timestamp); age > maxCheckpointAge {
		risks = append(risks, fmt.Sprintf("checkpoint is %s old", age.Round(time.Hour)))
	}
	if len(cp.ActiveLocks) > 0 {
		risks = append(risks, RiskActiveLocks)
	}
	if !force {
		live := 0
		for _, status := range []model.SpecialistStatus{model.SpecialistActive, model.SpecialistBusy} {
			sps, err := m.specialists.ListByStatus(ctx, status)
			if err == nil {
				live += len(sps)
			}
		}
		if live > 0 {
			risks = append(risks, fmt.Sprintf("%d specialists are currently active; use force to restore anyway", live))
		}
	}
	if n := len(plan.AgentsToRestore); n > 5 {
		risks = append(risks, fmt.Sprintf("high agent count (%d)", n))
	}
	return risks
}
