package store

import (
	"context"
	"errors"
	"testing"

	"github.com/flightline-ai/squawk/model"
)

func seedMission(t *testing.T, db *DB) model.Mission {
	t.Helper()
	msn := model.Mission{
		Title:       "Refactor API handlers",
		Description: "Move every handler onto the shared error helper",
		Strategy:    model.StrategyFileBased,
		Priority:    model.PriorityHigh,
	}
	if err := db.Missions().CreateMission(context.Background(), &msn); err != nil {
		t.Fatalf("CreateMission failed: %v", err)
	}
	return msn
}

func TestMissionStore_CreateAndGet(t *testing.T) {
	db, _ := newTestDB(t)
	msn := seedMission(t, db)

	got, err := db.Missions().GetMission(context.Background(), msn.ID)
	if err != nil {
		t.Fatalf("GetMission failed: %v", err)
	}
	if got.Status != model.MissionPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
	if got.Strategy != model.StrategyFileBased {
		t.Errorf("expected file-based strategy, got %s", got.Strategy)
	}
}

func TestMissionStore_StatusTransitionsAreMonotone(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	missions := db.Missions()
	msn := seedMission(t, db)

	if err := missions.UpdateMissionStatus(ctx, msn.ID, model.MissionInProgress); err != nil {
		t.Fatalf("pending -> in_progress failed: %v", err)
	}
	if err := missions.UpdateMissionStatus(ctx, msn.ID, model.MissionPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition moving backwards, got %v", err)
	}
	if err := missions.UpdateMissionStatus(ctx, msn.ID, model.MissionReview); err != nil {
		t.Fatalf("in_progress -> review failed: %v", err)
	}

	// Cancelled is allowed from any non-completed state.
	if err := missions.UpdateMissionStatus(ctx, msn.ID, model.MissionCancelled); err != nil {
		t.Fatalf("review -> cancelled failed: %v", err)
	}
	if err := missions.UpdateMissionStatus(ctx, msn.ID, model.MissionCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancelled to be terminal, got %v", err)
	}

	// Completed missions cannot be cancelled.
	msn2 := seedMission(t, db)
	for _, s := range []model.MissionStatus{model.MissionInProgress, model.MissionReview, model.MissionCompleted} {
		if err := missions.UpdateMissionStatus(ctx, msn2.ID, s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	if err := missions.UpdateMissionStatus(ctx, msn2.ID, model.MissionCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed mission to refuse cancellation, got %v", err)
	}
}

func TestMissionStore_StatusUpdateEmitsEvent(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	msn := seedMission(t, db)

	if err := db.Missions().UpdateMissionStatus(ctx, msn.ID, model.MissionInProgress); err != nil {
		t.Fatalf("UpdateMissionStatus failed: %v", err)
	}
	events, err := db.Events().QueryByStream(ctx, model.StreamMission, msn.ID, 0)
	if err != nil {
		t.Fatalf("QueryByStream failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "mission.updated" {
		t.Fatalf("expected a single mission.updated event, got %+v", events)
	}
}

func TestMissionStore_RefreshMissionProgressDerivesCounter(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	missions := db.Missions()

	tree := model.SortieTree{
		Mission: model.Mission{Title: "m", Description: "d", Strategy: model.StrategyFeatureBased},
		Sorties: []model.Sortie{
			{Title: "a", Description: "d", Files: []string{"a.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
			{Title: "b", Description: "d", Files: []string{"b.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
			{Title: "c", Description: "d", Files: []string{"c.go"}, Complexity: model.ComplexityLow, EstimatedHours: 1},
		},
	}
	if err := missions.SaveTree(ctx, &tree); err != nil {
		t.Fatalf("SaveTree failed: %v", err)
	}
	if err := missions.UpdateSortieStatus(ctx, tree.Sorties[0].ID, model.SortieCompleted); err != nil {
		t.Fatalf("UpdateSortieStatus failed: %v", err)
	}
	if err := missions.UpdateSortieStatus(ctx, tree.Sorties[1].ID, model.SortieCompleted); err != nil {
		t.Fatalf("UpdateSortieStatus failed: %v", err)
	}

	msn, err := missions.RefreshMissionProgress(ctx, tree.Mission.ID)
	if err != nil {
		t.Fatalf("RefreshMissionProgress failed: %v", err)
	}
	if msn.CompletedSorties != 2 {
		t.Errorf("expected 2 completed sorties, got %d", msn.CompletedSorties)
	}
	if msn.TotalSorties != 3 {
		t.Errorf("expected 3 total sorties, got %d", msn.TotalSorties)
	}
	if msn.CompletedSorties > msn.TotalSorties {
		t.Error("completed_sorties exceeds total_sorties")
	}
}

func TestMissionStore_SortieProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	missions := db.Missions()

	s := model.Sortie{Title: "s", Description: "d", Files: []string{"x.go"},
		Complexity: model.ComplexityMedium, EstimatedHours: 2}
	if err := missions.CreateSortie(ctx, &s); err != nil {
		t.Fatalf("CreateSortie failed: %v", err)
	}
	if err := missions.UpdateSortieProgress(ctx, s.ID, 40, "halfway to halfway"); err != nil {
		t.Fatalf("UpdateSortieProgress failed: %v", err)
	}
	if err := missions.UpdateSortieProgress(ctx, s.ID, 25, ""); !errors.Is(err, ErrProgressRegression) {
		t.Fatalf("expected ErrProgressRegression, got %v", err)
	}
	if err := missions.UpdateSortieProgress(ctx, s.ID, 40, ""); err != nil {
		t.Fatalf("equal progress should be accepted: %v", err)
	}
	if err := missions.UpdateSortieProgress(ctx, s.ID, 101, ""); err == nil {
		t.Fatal("expected range error for progress > 100")
	}

	got, err := missions.GetSortie(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSortie failed: %v", err)
	}
	if got.Progress != 40 {
		t.Errorf("expected progress 40, got %d", got.Progress)
	}
	if got.ProgressNotes != "halfway to halfway" {
		t.Errorf("unexpected progress notes %q", got.ProgressNotes)
	}
}

func TestMissionStore_AssignSortieEmitsEvent(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	missions := db.Missions()

	s := model.Sortie{Title: "s", Description: "d", Files: []string{"x.go"},
		Complexity: model.ComplexityLow, EstimatedHours: 1}
	if err := missions.CreateSortie(ctx, &s); err != nil {
		t.Fatalf("CreateSortie failed: %v", err)
	}
	if err := missions.AssignSortie(ctx, s.ID, "spc-9"); err != nil {
		t.Fatalf("AssignSortie failed: %v", err)
	}
	got, err := missions.GetSortie(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSortie failed: %v", err)
	}
	if got.Status != model.SortieAssigned || got.AssignedTo != "spc-9" {
		t.Errorf("unexpected sortie after assign: %+v", got)
	}
	events, err := db.Events().QueryByType(ctx, "sortie.assigned")
	if err != nil {
		t.Fatalf("QueryByType failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one sortie.assigned event, got %d", len(events))
	}
}

func TestMissionStore_GetMissingReturnsNotFound(t *testing.T) {
	db, _ := newTestDB(t)
	if _, err := db.Missions().GetMission(context.Background(), "msn-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.Missions().GetSortie(context.Background(), "srt-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
