package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MissionDecomposed("file-based")
	m.MissionDecomposed("file-based")
	m.SortieDispatched("mixed", "launched")
	m.LockConflict()
	m.SetActiveLocks(3)
	m.MissedHeartbeat()
	m.CheckpointTaken("progress")
	m.RecoveryItem("locks", "failed")
	m.ObserveLLMCall("anthropic", "success", 1200*time.Millisecond)

	if got := testutil.ToFloat64(m.missionsDecomposed.WithLabelValues("file-based")); got != 2 {
		t.Errorf("expected 2 decompositions counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeLocks); got != 3 {
		t.Errorf("expected active_locks=3, got %v", got)
	}
	if got := testutil.ToFloat64(m.recoveryItems.WithLabelValues("locks", "failed")); got != 1 {
		t.Errorf("expected 1 failed lock restore counted, got %v", got)
	}
}

func TestHandlerServesScrape(t *testing.T) {
	m := New(nil)
	m.SortieDispatched("parallel", "launched")
	m.ObserveRequest("POST", "/api/v1/missions/decompose", "200", 42*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 from scrape handler, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"squawk_sorties_dispatched_total", "squawk_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %s", want)
		}
	}
}
