package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

type fixture struct {
	manager *Manager
	db      *store.DB
	locks   *lock.Manager
	logDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(store.DriverSQLite, ":memory:", clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	files, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	engine := checkpoint.NewEngine(db, files, nil, 0)
	locks := lock.NewManager(db, nil)
	logDir := t.TempDir()
	return &fixture{
		manager: NewManager(db, engine, locks, nil, logDir),
		db:      db,
		locks:   locks,
		logDir:  logDir,
	}
}

// seedCheckpoint creates a mission with two pending sorties and inserts a
// checkpoint that captured both mid-flight, plus one active lock held by
// the frontend specialist.
func seedCheckpoint(t *testing.T, f *fixture) model.Checkpoint {
	t.Helper()
	ctx := context.Background()
	now := f.db.Clock().Now()

	mission := model.Mission{
		ID: model.NewID(model.PrefixMission), Title: "rework auth", Description: "d",
		Strategy: model.StrategyFeatureBased, Status: model.MissionInProgress,
		Priority: model.PriorityMedium, CreatedAt: now,
	}
	if err := f.db.Missions().CreateMission(ctx, &mission); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	sorties := []model.Sortie{
		{ID: "srt-f", MissionID: mission.ID, Title: "login form", Description: "d", Status: model.SortiePending, Priority: model.PriorityHigh, Files: []string{"/tmp/rec-test/x.ts"}, Complexity: model.ComplexityLow, EstimatedHours: 2},
		{ID: "srt-b", MissionID: mission.ID, Title: "session api", Description: "d", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/rec-test/api.go"}, Complexity: model.ComplexityLow, EstimatedHours: 3},
	}
	for i := range sorties {
		if err := f.db.Missions().CreateSortie(ctx, &sorties[i]); err != nil {
			t.Fatalf("create sortie: %v", err)
		}
	}

	snapshot := []model.Sortie{sorties[0], sorties[1]}
	snapshot[0].Status = model.SortieInProgress
	snapshot[0].AssignedTo = "frontend-x"
	snapshot[0].Progress = 40
	snapshot[1].Status = model.SortieInProgress
	snapshot[1].AssignedTo = "backend-y"
	snapshot[1].Progress = 10

	cp := model.Checkpoint{
		ID:              model.NewID(model.PrefixCheckpoint),
		MissionID:       mission.ID,
		Timestamp:       now,
		Trigger:         model.TriggerError,
		ProgressPercent: 25,
		Sorties:         snapshot,
		ActiveLocks: []model.Lock{{
			ID: model.NewID(model.PrefixLock), File: "/tmp/rec-test/x.ts", NormalizedPath: "/tmp/rec-test/x.ts",
			ReservedBy: "frontend-x", ReservedAt: now, ExpiresAt: now.Add(time.Hour),
			Purpose: model.PurposeEdit, Status: model.LockActive,
		}},
		RecoveryContext: model.RecoveryContext{
			LastAction:     "editing login form",
			NextSteps:      []string{"wire the submit handler"},
			MissionSummary: mission.Title,
			LastActivityAt: now,
		},
		CreatedBy: "system",
		Version:   checkpoint.SchemaVersion,
	}
	if err := f.db.Checkpoints().Insert(ctx, &cp); err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}
	return cp
}

func TestCreateRecoveryPlan(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)

	plan, err := f.manager.CreateRecoveryPlan(context.Background(), cp.ID, false)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if len(plan.AgentsToRestore) != 2 {
		t.Fatalf("expected 2 agents to restore, got %d", len(plan.AgentsToRestore))
	}
	types := map[string]bool{}
	for _, a := range plan.AgentsToRestore {
		types[a.AgentType] = true
	}
	if !types["frontend"] || !types["backend"] {
		t.Errorf("expected agent types {frontend, backend}, got %v", types)
	}
	if len(plan.TasksToResume) != 2 {
		t.Errorf("expected 2 tasks to resume, got %d", len(plan.TasksToResume))
	}
	if len(plan.LocksToRestore) != 1 || !plan.LocksToRestore[0].ConflictCheck {
		t.Errorf("expected 1 lock restore flagged for conflict check, got %v", plan.LocksToRestore)
	}

	found := false
	for _, r := range plan.Risks {
		if r == RiskActiveLocks {
			found = true
		}
	}
	if !found {
		t.Errorf("expected risk %q, got %v", RiskActiveLocks, plan.Risks)
	}
}

func TestAgentTypeFor(t *testing.T) {
	cases := map[string]string{
		"frontend-x":      "frontend",
		"backend-y":       "backend",
		"testing-bot":     "testing",
		"documentation-1": "documentation",
		"security-7":      "security",
		"performance-a":   "performance",
		"mystery-agent":   "backend",
		"":                "backend",
	}
	for in, want := range cases {
		if got := AgentTypeFor(in); got != want {
			t.Errorf("AgentTypeFor(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestPlan_SkipsLocksAlreadyHeld(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)
	ctx := context.Background()

	// The snapshot holder still holds the lock; nothing to restore.
	if _, err := f.locks.Acquire(ctx, "/tmp/rec-test/x.ts", "frontend-x", time.Hour, model.PurposeEdit, ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	plan, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.LocksToRestore) != 0 {
		t.Errorf("expected held lock left out of the plan, got %v", plan.LocksToRestore)
	}
}

func TestExecute_RestoresAgentsTasksLocks(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)
	ctx := context.Background()

	plan, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	result, err := f.manager.Execute(ctx, plan, false)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Failed != 0 || result.Partial {
		t.Fatalf("expected clean recovery, got %+v", result)
	}

	specialists, err := f.db.Specialists().List(ctx)
	if err != nil {
		t.Fatalf("list specialists: %v", err)
	}
	if len(specialists) != 2 {
		t.Fatalf("expected 2 restored specialists, got %d", len(specialists))
	}
	byName := map[string]model.Specialist{}
	for _, sp := range specialists {
		byName[sp.Name] = sp
	}
	frontend, ok := byName["frontend-x"]
	if !ok || len(frontend.Capabilities) == 0 || frontend.Capabilities[0] != "frontend" {
		t.Errorf("expected frontend-x restored with frontend capability, got %+v", frontend)
	}

	for _, id := range []string{"srt-f", "srt-b"} {
		s, err := f.db.Missions().GetSortie(ctx, id)
		if err != nil {
			t.Fatalf("get sortie: %v", err)
		}
		if s.Status != model.SortieInProgress || s.AssignedTo == "" {
			t.Errorf("expected %s resumed, got %+v", id, s)
		}
	}
	srtF, _ := f.db.Missions().GetSortie(ctx, "srt-f")
	if srtF.Progress != 40 {
		t.Errorf("expected progress restored to 40, got %d", srtF.Progress)
	}

	held, err := f.locks.GetByFile(ctx, "/tmp/rec-test/x.ts")
	if err != nil || held == nil {
		t.Fatalf("expected lock restored, got %v (%v)", held, err)
	}
	if held.ReservedBy != frontend.ID {
		t.Errorf("expected lock handed to restored specialist %s, got %s", frontend.ID, held.ReservedBy)
	}

	// The checkpoint is consumed: it no longer serves as the latest.
	if _, err := f.manager.engine.GetLatest(ctx, cp.MissionID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected checkpoint consumed, got %v", err)
	}

	data, err := os.ReadFile(result.LogPath)
	if err != nil {
		t.Fatalf("read recovery log: %v", err)
	}
	if !strings.Contains(string(data), `"entry":"summary"`) {
		t.Errorf("expected a summary entry in the recovery log")
	}
}

func TestExecute_DryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)
	ctx := context.Background()

	plan, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	result, err := f.manager.Execute(ctx, plan, true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !result.DryRun || result.Failed != 0 {
		t.Errorf("unexpected dry run result %+v", result)
	}

	if sps, _ := f.db.Specialists().List(ctx); len(sps) != 0 {
		t.Errorf("dry run registered specialists: %v", sps)
	}
	s, _ := f.db.Missions().GetSortie(ctx, "srt-f")
	if s.Status != model.SortiePending || s.AssignedTo != "" {
		t.Errorf("dry run mutated sortie: %+v", s)
	}
	if held, _ := f.locks.GetByFile(ctx, "/tmp/rec-test/x.ts"); held != nil {
		t.Errorf("dry run acquired a lock: %+v", held)
	}

	// Planning again yields the identical plan.
	again, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("replan failed: %v", err)
	}
	if len(again.AgentsToRestore) != len(plan.AgentsToRestore) ||
		len(again.TasksToResume) != len(plan.TasksToResume) ||
		len(again.LocksToRestore) != len(plan.LocksToRestore) {
		t.Errorf("dry run changed the plan: %+v vs %+v", again, plan)
	}
}

func TestExecute_LockConflictExceedsMargin(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)
	ctx := context.Background()

	// An intruder holds the checkpointed file. Without force the lock
	// restore fails, and one failure out of five items exceeds the 10%
	// margin, so the recovery as a whole fails.
	if _, err := f.locks.Acquire(ctx, "/tmp/rec-test/x.ts", "spc-intruder", time.Hour, model.PurposeEdit, ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	plan, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, false)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	result, err := f.manager.Execute(ctx, plan, false)
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("expected ErrTooManyFailures, got %v (%+v)", err, result)
	}
	if result.Failed != 1 || len(result.Errors) != 1 || result.Errors[0].Phase != "locks" {
		t.Errorf("expected the lock restore recorded as the failure, got %+v", result)
	}
}

func TestExecute_ForceTakesOverConflictingLock(t *testing.T) {
	f := newFixture(t)
	cp := seedCheckpoint(t, f)
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, "/tmp/rec-test/x.ts", "spc-intruder", time.Hour, model.PurposeEdit, ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	plan, err := f.manager.CreateRecoveryPlan(ctx, cp.ID, true)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	result, err := f.manager.Execute(ctx, plan, false)
	if err != nil {
		t.Fatalf("forced execute failed: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("expected force to clear the conflict, got %+v", result)
	}

	held, err := f.locks.GetByFile(ctx, "/tmp/rec-test/x.ts")
	if err != nil || held == nil {
		t.Fatalf("expected lock restored, got %v (%v)", held, err)
	}
	if held.ReservedBy == "spc-intruder" {
		t.Error("expected the intruder's lock force-released")
	}
}
