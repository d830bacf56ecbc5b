package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/flightline-ai/squawk/agent"
	"github.com/flightline-ai/squawk/bus"
	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/decompose"
	"github.com/flightline-ai/squawk/llm"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/recovery"
	"github.com/flightline-ai/squawk/sched"
	"github.com/flightline-ai/squawk/store"
)

const planJSON = `{
  "mission": {"title": "Refactor handlers", "description": "Move handlers to the error helper", "priority": "high", "estimated_effort_hours": 6},
  "sorties": [
    {"title": "Update helper", "description": "Extend the error helper", "scope": {"files": ["internal/errors/helper.go"]}, "complexity": "low", "estimated_effort_hours": 1, "priority": "high", "dependencies": []},
    {"title": "Migrate user handlers", "description": "Adopt the helper", "scope": {"files": ["internal/api/users.go"]}, "complexity": "medium", "estimated_effort_hours": 2, "priority": "medium", "dependencies": [0]}
  ]
}`

type fixture struct {
	srv   *httptest.Server
	db    *store.DB
	clock *model.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPlan(t, planJSON)
}

func newFixtureWithPlan(t *testing.T, plan string) *fixture {
	t.Helper()
	clock := model.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(store.DriverSQLite, ":memory:", clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := &llm.MockClient{Responses: []llm.Response{{Text: plan}}}
	analyzer := decompose.NewAnalyzer(func(root string) ([]string, error) {
		return []string{"internal/api/users.go", "internal/errors/helper.go"}, nil
	})
	pipeline := decompose.NewPipeline(decompose.NewPlanner(mock), analyzer, nil, nil, clock, "")

	locks := lock.NewManager(db, nil)
	launcher := sched.LauncherFunc(func(ctx context.Context, s model.Sortie, specialistID string) error {
		return nil
	})
	scheduler := sched.NewScheduler(db, locks, launcher, nil, time.Minute)

	files, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	engine := checkpoint.NewEngine(db, files, nil, 0)
	rec := recovery.NewManager(db, engine, locks, nil, t.TempDir())
	watcher := agent.NewHeartbeatWatcher(db, nil, 0, logger)
	msgBus := bus.NewBus(db, nil)

	server := New(Deps{
		DB: db, Pipeline: pipeline, Sched: scheduler, Locks: locks,
		Engine: engine, Recovery: rec, Watcher: watcher, Bus: msgBus,
		Logger: logger,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, db: db, clock: clock}
}

func (f *fixture) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestDecompose_PersistsMission(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/missions/decompose", map[string]any{
		"task_description": "refactor all API handlers to use the new error helper",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	tree, ok := body["sortie_tree"].(map[string]any)
	if !ok {
		t.Fatalf("missing sortie_tree in %v", body)
	}
	sorties := tree["sorties"].([]any)
	if len(sorties) != 2 {
		t.Fatalf("expected 2 sorties, got %d", len(sorties))
	}
	meta := body["metadata"].(map[string]any)
	if meta["strategy"] != "file-based" {
		t.Errorf("expected file-based strategy, got %v", meta["strategy"])
	}

	// The mission and its sorties must be queryable afterwards.
	resp, body = f.request(t, http.MethodGet, "/api/v1/missions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list missions: %d", resp.StatusCode)
	}
	missions := body["missions"].([]any)
	if len(missions) != 1 {
		t.Fatalf("expected 1 persisted mission, got %d", len(missions))
	}
	id := missions[0].(map[string]any)["id"].(string)
	resp, body = f.request(t, http.MethodGet, "/api/v1/missions/"+id, nil)
	if resp.StatusCode != http.StatusOK || len(body["sorties"].([]any)) != 2 {
		t.Errorf("get mission %s returned %d with %v", id, resp.StatusCode, body)
	}
}

func TestDecompose_InvalidPlanIs400(t *testing.T) {
	// Two concurrent sorties claim the same file, which validation rejects.
	overlap := `{
  "mission": {"title": "Broken", "description": "Overlapping plan", "priority": "medium", "estimated_effort_hours": 2},
  "sorties": [
    {"title": "One", "description": "first", "scope": {"files": ["internal/api/users.go"]}, "complexity": "low", "estimated_effort_hours": 1, "priority": "medium", "dependencies": []},
    {"title": "Two", "description": "second", "scope": {"files": ["internal/api/users.go"]}, "complexity": "low", "estimated_effort_hours": 1, "priority": "medium", "dependencies": []}
  ]
}`
	f := newFixtureWithPlan(t, overlap)

	resp, body := f.request(t, http.MethodPost, "/api/v1/missions/decompose", map[string]any{
		"task_description": "refactor the user handlers",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid plan, got %d: %v", resp.StatusCode, body)
	}
	issues, ok := body["validation_errors"].([]any)
	if !ok || len(issues) == 0 {
		t.Fatalf("expected structured validation errors, got %v", body)
	}
	if issues[0].(map[string]any)["type"] != "FileOverlap" {
		t.Errorf("expected a FileOverlap issue, got %v", issues[0])
	}

	// Nothing persisted for a rejected plan.
	resp, body = f.request(t, http.MethodGet, "/api/v1/missions", nil)
	missions, _ := body["missions"].([]any)
	if resp.StatusCode != http.StatusOK || len(missions) != 0 {
		t.Errorf("rejected plan must not persist a mission: %d %v", resp.StatusCode, body)
	}
}

func TestDecompose_RequiresTaskDescription(t *testing.T) {
	f := newFixture(t)
	resp, body := f.request(t, http.MethodPost, "/api/v1/missions/decompose", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, body)
	}
	if body["error"] == "" {
		t.Errorf("expected an error body, got %v", body)
	}
}

func TestMissionCRUD(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/missions", map[string]any{
		"title": "add search", "description": "full text search for docs",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	if body["strategy"] != "feature-based" || body["priority"] != "medium" {
		t.Errorf("defaults not applied: %v", body)
	}

	resp, _ = f.request(t, http.MethodGet, "/api/v1/missions/msn-nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown mission, got %d", resp.StatusCode)
	}

	resp, body = f.request(t, http.MethodPost, "/api/v1/missions", map[string]any{"title": "no description"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without description, got %d: %v", resp.StatusCode, body)
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/agents/spawn", map[string]any{
		"name": "fe-1", "type": "frontend",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: expected 201, got %d: %v", resp.StatusCode, body)
	}
	id := body["id"].(string)

	resp, body = f.request(t, http.MethodGet, "/api/v1/agents", nil)
	if resp.StatusCode != http.StatusOK || len(body["agents"].([]any)) != 1 {
		t.Fatalf("list agents: %d %v", resp.StatusCode, body)
	}

	f.clock.Advance(10 * time.Second)
	resp, _ = f.request(t, http.MethodPost, "/api/v1/agents/"+id+"/heartbeat", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d", resp.StatusCode)
	}

	resp, body = f.request(t, http.MethodGet, "/api/v1/agents/"+id+"/health", nil)
	if resp.StatusCode != http.StatusOK || body["healthy"] != true {
		t.Errorf("health: %d %v", resp.StatusCode, body)
	}

	// Progress without a current sortie is a conflict.
	resp, _ = f.request(t, http.MethodPost, "/api/v1/agents/"+id+"/progress", map[string]any{"progress": 50})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for progress without sortie, got %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodPost, "/api/v1/agents/"+id+"/progress", map[string]any{"progress": 150})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range progress, got %d", resp.StatusCode)
	}

	resp, body = f.request(t, http.MethodGet, "/api/v1/agents/system-health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("system health: %d %v", resp.StatusCode, body)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/agents/"+id+"?reason=test+teardown", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete agent: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodGet, "/api/v1/agents/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestLockConflictIs409(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/locks", map[string]any{
		"file": "/tmp/squawk-http-test/auth.go", "specialist_id": "spc-a", "timeout_ms": 60000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("acquire: expected 201, got %d: %v", resp.StatusCode, body)
	}
	lockID := body["lock"].(map[string]any)["id"].(string)

	// Omitted timeout_ms falls back to the default; a negative one is
	// rejected up front.
	resp, body = f.request(t, http.MethodPost, "/api/v1/locks", map[string]any{
		"file": "/tmp/squawk-http-test/auth.go", "specialist_id": "spc-b", "timeout_ms": -1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative timeout, got %d: %v", resp.StatusCode, body)
	}
	resp, body = f.request(t, http.MethodPost, "/api/v1/locks", map[string]any{
		"file": "/tmp/squawk-http-test/auth.go", "specialist_id": "spc-b",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on conflict, got %d: %v", resp.StatusCode, body)
	}
	existing := body["existing_lock"].(map[string]any)
	if existing["reserved_by"] != "spc-a" {
		t.Errorf("expected the holder in the conflict body, got %v", existing)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/locks/"+lockID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodDelete, "/api/v1/locks/"+lockID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on double release, got %d", resp.StatusCode)
	}
}

func TestCheckpointAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mission := model.Mission{
		ID: model.NewID(model.PrefixMission), Title: "migrate billing",
		Description: "migrate the billing module", Strategy: model.StrategyFileBased,
		Status: model.MissionInProgress, Priority: model.PriorityMedium,
		CreatedAt: f.db.Clock().Now(),
	}
	if err := f.db.Missions().CreateMission(ctx, &mission); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	sortie := model.Sortie{
		ID: "srt-http", MissionID: mission.ID, Title: "port invoices",
		Description: "move invoice handlers", Status: model.SortiePending,
		Priority: model.PriorityHigh, Files: []string{"/tmp/squawk-http-test/inv.go"},
		Complexity: model.ComplexityLow, EstimatedHours: 1,
	}
	if err := f.db.Missions().CreateSortie(ctx, &sortie); err != nil {
		t.Fatalf("create sortie: %v", err)
	}
	if err := f.db.Missions().AssignSortie(ctx, sortie.ID, "spc-old"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.db.Missions().UpdateSortieStatus(ctx, sortie.ID, model.SortieInProgress); err != nil {
		t.Fatalf("status: %v", err)
	}

	resp, body := f.request(t, http.MethodPost, "/api/v1/checkpoints", map[string]any{
		"mission_id": mission.ID, "trigger": "manual",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create checkpoint: expected 201, got %d: %v", resp.StatusCode, body)
	}
	cpID := body["id"].(string)

	resp, body = f.request(t, http.MethodGet, "/api/v1/checkpoints/latest/"+mission.ID, nil)
	if resp.StatusCode != http.StatusOK || body["id"] != cpID {
		t.Fatalf("latest: %d %v", resp.StatusCode, body)
	}

	// Dry run: plan is reported, nothing changes, checkpoint stays fresh.
	resp, body = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/checkpoints/%s/resume", cpID), map[string]any{"dryRun": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry run: expected 200, got %d: %v", resp.StatusCode, body)
	}
	result := body["result"].(map[string]any)
	if result["dry_run"] != true {
		t.Errorf("expected dry_run result, got %v", result)
	}
	if agents, err := f.db.Specialists().List(ctx); err != nil || len(agents) != 0 {
		t.Errorf("dry run must not register specialists: %v %v", agents, err)
	}

	resp, body = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/checkpoints/%s/resume", cpID), map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %v", resp.StatusCode, body)
	}
	result = body["result"].(map[string]any)
	if result["failed"].(float64) != 0 {
		t.Errorf("expected clean resume, got %v", result)
	}
	agents, err := f.db.Specialists().List(ctx)
	if err != nil || len(agents) != 1 {
		t.Fatalf("expected 1 restored specialist, got %v %v", agents, err)
	}

	// Consumed checkpoints are no longer the latest.
	resp, _ = f.request(t, http.MethodGet, "/api/v1/checkpoints/latest/"+mission.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after consumption, got %d", resp.StatusCode)
	}
}
