package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flightline-ai/squawk/emit"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

func newTestDB(t *testing.T) (*store.DB, *model.FakeClock) {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(store.DriverSQLite, ":memory:", clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, clock
}

func seedSortie(t *testing.T, db *store.DB, title string) model.Sortie {
	t.Helper()
	ctx := context.Background()
	mission := model.Mission{
		ID: model.NewID(model.PrefixMission), Title: "m", Description: "m",
		Strategy: model.StrategyFeatureBased, Status: model.MissionInProgress,
		Priority: model.PriorityMedium, CreatedAt: db.Clock().Now(),
	}
	if err := db.Missions().CreateMission(ctx, &mission); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	s := model.Sortie{
		ID: model.NewID(model.PrefixSortie), MissionID: mission.ID,
		Title: title, Description: "work item", Status: model.SortiePending,
		Priority: model.PriorityMedium, Files: []string{"/tmp/agent-test/a.go"},
		Complexity: model.ComplexityLow, EstimatedHours: 1,
	}
	if err := db.Missions().CreateSortie(ctx, &s); err != nil {
		t.Fatalf("create sortie: %v", err)
	}
	return s
}

func TestRunner_ExecutesSortieToCompletion(t *testing.T) {
	db, _ := newTestDB(t)
	sortie := seedSortie(t, db, "Implement the widget")
	buf := emit.NewBufferedEmitter()

	r := NewRunner(db, buf, nil, Config{
		SpecialistID: "spc-run",
		Name:         "backend-1",
		Type:         "backend",
		SortieID:     sortie.ID,
		Seed:         42,
	})

	var mu sync.Mutex
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if r.State() != StateCompleted {
		t.Errorf("expected completed state, got %s", r.State())
	}

	got, err := db.Missions().GetSortie(context.Background(), sortie.ID)
	if err != nil {
		t.Fatalf("get sortie: %v", err)
	}
	if got.Status != model.SortieCompleted || got.Progress != 100 {
		t.Errorf("expected sortie completed at 100%%, got %+v", got)
	}

	// One delay per step, each in the configured band.
	if len(delays) != 5 {
		t.Errorf("expected 5 step delays for an implement task, got %d", len(delays))
	}
	for _, d := range delays {
		if d < 2*time.Second || d > 5*time.Second {
			t.Errorf("step delay %s outside [2s, 5s]", d)
		}
	}

	steps := buf.ByType("sortie.step")
	if len(steps) != 5 {
		t.Fatalf("expected 5 step events, got %d", len(steps))
	}
	if p, _ := steps[len(steps)-1].Meta["progress"].(int); p != 100 {
		t.Errorf("expected final step at 100, got %v", steps[len(steps)-1].Meta)
	}

	// The runner registered itself and stood down on exit.
	sp, err := db.Specialists().Get(context.Background(), "spc-run")
	if err != nil {
		t.Fatalf("get specialist: %v", err)
	}
	if sp.Status != model.SpecialistInactive {
		t.Errorf("expected specialist deactivated, got %s", sp.Status)
	}
}

func TestRunner_GracefulCancelWhileIdling(t *testing.T) {
	db, _ := newTestDB(t)
	buf := emit.NewBufferedEmitter()
	r := NewRunner(db, buf, nil, Config{SpecialistID: "spc-idle", Type: "backend", Seed: 7})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls >= 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("expected graceful shutdown, got %v", err)
	}
	if r.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", r.State())
	}
	if got := buf.ByType("specialist.activity"); len(got) == 0 {
		t.Error("expected idle activity events before shutdown")
	}
}

func TestRunner_WallClockTimeout(t *testing.T) {
	db, _ := newTestDB(t)
	sortie := seedSortie(t, db, "Implement the widget")
	r := NewRunner(db, nil, nil, Config{
		SpecialistID: "spc-slow", Type: "backend", SortieID: sortie.ID,
		Timeout: 20 * time.Millisecond, Seed: 1,
	})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	if err := r.Run(context.Background()); !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("expected ErrRunTimeout, got %v", err)
	}
	if r.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", r.State())
	}
}

func TestRunner_Beat(t *testing.T) {
	db, clock := newTestDB(t)
	buf := emit.NewBufferedEmitter()
	r := NewRunner(db, buf, nil, Config{SpecialistID: "spc-hb", Type: "testing"})

	ctx := context.Background()
	if err := r.ensureRegistered(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.startedAt = clock.Now()
	clock.Advance(30 * time.Second)

	if err := r.Beat(ctx); err != nil {
		t.Fatalf("beat failed: %v", err)
	}
	sp, err := db.Specialists().Get(ctx, "spc-hb")
	if err != nil {
		t.Fatalf("get specialist: %v", err)
	}
	if !sp.LastSeen.Equal(clock.Now()) {
		t.Errorf("expected last_seen advanced, got %s", sp.LastSeen)
	}
	beats := buf.ByType("specialist.heartbeat")
	if len(beats) != 1 {
		t.Fatalf("expected 1 heartbeat event, got %d", len(beats))
	}
	if up, _ := beats[0].Meta["uptime_ms"].(int64); up != 30000 {
		t.Errorf("expected 30s uptime, got %v", beats[0].Meta["uptime_ms"])
	}
}

func TestStepsFor(t *testing.T) {
	cases := []struct {
		task string
		want int
	}{
		{"Implement the new parser", 5},
		{"Add coverage tests for the parser", 5},
		{"Write documentation for the API", 4},
		{"Security audit of the login flow", 5},
		{"Optimize the hot path", 4},
		{"Rename things", 4},
	}
	for _, tc := range cases {
		if got := stepsFor(tc.task); len(got) != tc.want {
			t.Errorf("stepsFor(%q) returned %d steps, expected %d", tc.task, len(got), tc.want)
		}
	}
}

func TestHeartbeatWatcher_FlagsSilenceOnce(t *testing.T) {
	db, clock := newTestDB(t)
	buf := emit.NewBufferedEmitter()
	w := NewHeartbeatWatcher(db, buf, 45*time.Second, nil)
	ctx := context.Background()

	sp := model.Specialist{
		ID: "spc-quiet", Name: "quiet", Status: model.SpecialistActive,
		RegisteredAt: clock.Now(), LastSeen: clock.Now(),
	}
	if err := db.Specialists().Register(ctx, &sp); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Within the timeout: nothing to flag.
	clock.Advance(30 * time.Second)
	if n, err := w.Check(ctx); err != nil || n != 0 {
		t.Fatalf("expected no flags at 30s, got %d (%v)", n, err)
	}

	// Past the timeout: flagged exactly once.
	clock.Advance(16 * time.Second)
	if n, err := w.Check(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 flag at 46s, got %d (%v)", n, err)
	}
	if n, err := w.Check(ctx); err != nil || n != 0 {
		t.Fatalf("expected silence already reported, got %d (%v)", n, err)
	}

	events, err := db.Events().QueryByStream(ctx, model.StreamFleet, "spc-quiet", 0)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	missed := 0
	for _, ev := range events {
		if ev.EventType == "specialist.missed_heartbeat" {
			missed++
		}
	}
	if missed != 1 {
		t.Errorf("expected exactly 1 missed_heartbeat event, got %d", missed)
	}

	// A fresh heartbeat clears the flag; renewed silence is reported again.
	if err := db.Specialists().UpdateHeartbeat(ctx, "spc-quiet"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if n, err := w.Check(ctx); err != nil || n != 0 {
		t.Fatalf("expected healthy after heartbeat, got %d (%v)", n, err)
	}
	clock.Advance(46 * time.Second)
	if n, err := w.Check(ctx); err != nil || n != 1 {
		t.Fatalf("expected renewed silence flagged, got %d (%v)", n, err)
	}
}
