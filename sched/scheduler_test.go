package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
	fail     map[string]error
}

func (r *recordingLauncher) Launch(ctx context.Context, sortie model.Sortie, specialistID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[sortie.ID]; err != nil {
		return err
	}
	r.launched = append(r.launched, sortie.ID)
	return nil
}

func (r *recordingLauncher) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.launched...)
}

func newTestScheduler(t *testing.T, launcher Launcher) (*Scheduler, *store.DB, *emit.BufferedEmitter) {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(store.DriverSQLite, ":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	buf := emit.NewBufferedEmitter()
	locks := lock.NewManager(db, buf)
	return NewScheduler(db, locks, launcher, buf, time.Hour), db, buf
}

func seedTree(t *testing.T, db *store.DB) *model.SortieTree {
	t.Helper()
	tree := &model.SortieTree{
		Mission: model.Mission{
			ID:          model.NewID(model.PrefixMission),
			Title:       "mission",
			Description: "test mission",
			Strategy:    model.StrategyFeatureBased,
			Status:      model.MissionPending,
			Priority:    model.PriorityMedium,
			CreatedAt:   db.Clock().Now(),
		},
		Sorties: []model.Sortie{
			{ID: "srt-p1", Title: "P1", Description: "p1", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/sched-test/p1.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
			{ID: "srt-p2", Title: "P2", Description: "p2", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/sched-test/p2.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
			{ID: "srt-s1", Title: "S1", Description: "s1", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/sched-test/s1.go"}, Dependencies: []string{"srt-p1"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
		},
	}
	if err := db.Missions().SaveTree(ctxb(), tree); err != nil {
		t.Fatalf("save tree: %v", err)
	}
	return tree
}

func ctxb() context.Context { return context.Background() }

func TestDispatch_MixedGatesDependents(t *testing.T) {
	launcher := &recordingLauncher{}
	s, db, buf := newTestScheduler(t, launcher)
	tree := seedTree(t, db)

	result, err := s.Dispatch(ctxb(), tree, ModeMixed)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	// Both independent sorties launch; the dependent one is skipped because
	// its dependency has not completed.
	if len(result.Launched) != 2 {
		t.Errorf("expected 2 launches, got %v", result.Launched)
	}
	if reason, ok := result.Skipped["srt-s1"]; !ok || reason == "" {
		t.Errorf("expected srt-s1 skipped with reason, got %v", result.Skipped)
	}
	if got := buf.ByType("sortie.assigned"); len(got) != 2 {
		t.Errorf("expected 2 sortie.assigned events, got %d", len(got))
	}

	for _, id := range []string{"srt-p1", "srt-p2"} {
		sortie, err := db.Missions().GetSortie(ctxb(), id)
		if err != nil {
			t.Fatalf("get sortie: %v", err)
		}
		if sortie.Status != model.SortieAssigned || sortie.AssignedTo == "" {
			t.Errorf("expected %s assigned, got %+v", id, sortie)
		}
		// Mailbox exists for the specialist.
		if _, err := db.Messages().MailboxByOwner(ctxb(), sortie.AssignedTo); err != nil {
			t.Errorf("expected mailbox for %s: %v", sortie.AssignedTo, err)
		}
	}

	// Once the dependency completes, a second dispatch launches srt-s1.
	if err := db.Missions().UpdateSortieStatus(ctxb(), "srt-p1", model.SortieInProgress); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := db.Missions().UpdateSortieStatus(ctxb(), "srt-p1", model.SortieCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	result, err = s.Dispatch(ctxb(), &model.SortieTree{
		Mission: tree.Mission,
		Sorties: []model.Sortie{tree.Sorties[2]},
	}, ModeSequential)
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if len(result.Launched) != 1 || result.Launched[0] != "srt-s1" {
		t.Errorf("expected srt-s1 launched after dependency completed, got %+v", result)
	}
}

func TestDispatch_DependentNeverBeforeDependency(t *testing.T) {
	launcher := &recordingLauncher{}
	s, db, _ := newTestScheduler(t, launcher)
	tree := seedTree(t, db)

	if _, err := s.Dispatch(ctxb(), tree, ModeMixed); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	for _, id := range launcher.ids() {
		if id == "srt-s1" {
			t.Fatal("dependent sortie launched before its dependency completed")
		}
	}
}

func TestDispatch_ParallelFailureDoesNotCancelSiblings(t *testing.T) {
	launcher := &recordingLauncher{fail: map[string]error{"srt-p1": errors.New("spawn exploded")}}
	s, db, _ := newTestScheduler(t, launcher)
	tree := seedTree(t, db)

	result, err := s.Dispatch(ctxb(), tree, ModeParallel)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(result.Launched) != 1 || result.Launched[0] != "srt-p2" {
		t.Errorf("expected srt-p2 to launch despite sibling failure, got %+v", result)
	}
	if _, ok := result.Failed["srt-p1"]; !ok {
		t.Errorf("expected srt-p1 recorded as failed, got %v", result.Failed)
	}
}

func TestDispatch_FileConflictFailsLaunch(t *testing.T) {
	launcher := &recordingLauncher{}
	s, db, _ := newTestScheduler(t, launcher)
	tree := seedTree(t, db)

	// Another specialist already holds p1's file.
	locks := lock.NewManager(db, nil)
	if _, err := locks.Acquire(ctxb(), "/tmp/sched-test/p1.go", "spc-other", time.Hour, model.PurposeEdit, ""); err != nil {
		t.Fatalf("pre-acquire failed: %v", err)
	}

	result, err := s.Dispatch(ctxb(), tree, ModeParallel)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, ok := result.Failed["srt-p1"]; !ok {
		t.Errorf("expected srt-p1 to fail on lock conflict, got %+v", result)
	}
	if len(result.Launched) != 1 {
		t.Errorf("expected only srt-p2 to launch, got %v", result.Launched)
	}
}

func TestDispatch_SequentialOrderRespectsDependencies(t *testing.T) {
	launcher := &recordingLauncher{}
	s, db, _ := newTestScheduler(t, launcher)

	tree := &model.SortieTree{
		Mission: model.Mission{
			ID: model.NewID(model.PrefixMission), Title: "m", Description: "m",
			Strategy: model.StrategyFileBased, Status: model.MissionPending,
			Priority: model.PriorityMedium, CreatedAt: db.Clock().Now(),
		},
		Sorties: []model.Sortie{
			{ID: "srt-b", Title: "B", Description: "b", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/sched-test/b.go"}, Dependencies: []string{"srt-a"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
			{ID: "srt-a", Title: "A", Description: "a", Status: model.SortiePending, Priority: model.PriorityMedium, Files: []string{"/tmp/sched-test/a.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
		},
	}
	if err := db.Missions().SaveTree(ctxb(), tree); err != nil {
		t.Fatalf("save tree: %v", err)
	}

	result, err := s.Dispatch(ctxb(), tree, ModeSequential)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	// srt-a launches; srt-b is gated because srt-a is assigned, not
	// completed. The order check is that srt-a was attempted first.
	if len(result.Launched) != 1 || result.Launched[0] != "srt-a" {
		t.Errorf("expected only srt-a launched, got %+v", result)
	}
	if _, ok := result.Skipped["srt-b"]; !ok {
		t.Errorf("expected srt-b skipped, got %+v", result)
	}
}

func TestDispatch_MarksMissionInProgress(t *testing.T) {
	s, db, _ := newTestScheduler(t, &recordingLauncher{})
	tree := seedTree(t, db)

	if _, err := s.Dispatch(ctxb(), tree, ModeMixed); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	mission, err := db.Missions().GetMission(ctxb(), tree.Mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission.Status != model.MissionInProgress || mission.StartedAt == nil {
		t.Errorf("expected mission in_progress with started_at, got %+v", mission)
	}
}
