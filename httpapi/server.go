// Package httpapi is the coordinator's JSON surface. All routes live
// under /api/v1; errors are a single {"error": ...} body with an optional
// message, never a stack trace.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flightline-ai/squawk/agent"
	"github.com/flightline-ai/squawk/bus"
	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/decompose"
	"github.com/flightline-ai/squawk/lock"
	"github.com/flightline-ai/squawk/metrics"
	"github.com/flightline-ai/squawk/recovery"
	"github.com/flightline-ai/squawk/sched"
	"github.com/flightline-ai/squawk/store"
)

// maxRequestBodySize bounds request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// Server wires the component contracts behind the HTTP surface. Handlers
// call components directly; nothing loops back through HTTP.
type Server struct {
	db       *store.DB
	pipeline *decompose.Pipeline
	sched    *sched.Scheduler
	locks    *lock.Manager
	engine   *checkpoint.Engine
	recovery *recovery.Manager
	watcher  *agent.HeartbeatWatcher
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Deps carries the components a Server needs.
type Deps struct {
	DB       *store.DB
	Pipeline *decompose.Pipeline
	Sched    *sched.Scheduler
	Locks    *lock.Manager
	Engine   *checkpoint.Engine
	Recovery *recovery.Manager
	Watcher  *agent.HeartbeatWatcher
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New builds a Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		db:       d.DB,
		pipeline: d.Pipeline,
		sched:    d.Sched,
		locks:    d.Locks,
		engine:   d.Engine,
		recovery: d.Recovery,
		watcher:  d.Watcher,
		bus:      d.Bus,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/missions/decompose", s.handleDecompose)
	mux.HandleFunc("POST /api/v1/missions", s.handleCreateMission)
	mux.HandleFunc("GET /api/v1/missions", s.handleListMissions)
	mux.HandleFunc("GET /api/v1/missions/{id}", s.handleGetMission)
	mux.HandleFunc("PATCH /api/v1/missions/{id}/progress", s.handleMissionProgress)
	mux.HandleFunc("POST /api/v1/missions/{id}/dispatch", s.handleDispatch)

	mux.HandleFunc("POST /api/v1/agents/spawn", s.handleSpawnAgent)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/system-health", s.handleSystemHealth)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/progress", s.handleAgentProgress)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("GET /api/v1/agents/{id}/health", s.handleAgentHealth)

	mux.HandleFunc("POST /api/v1/checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /api/v1/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /api/v1/checkpoints/latest/{mission_id}", s.handleLatestCheckpoint)
	mux.HandleFunc("DELETE /api/v1/checkpoints/{id}", s.handleDeleteCheckpoint)
	mux.HandleFunc("POST /api/v1/checkpoints/{id}/resume", s.handleResume)

	mux.HandleFunc("POST /api/v1/locks", s.handleAcquireLock)
	mux.HandleFunc("GET /api/v1/locks", s.handleListLocks)
	mux.HandleFunc("DELETE /api/v1/locks/{id}", s.handleReleaseLock)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
		return s.instrument(mux)
	}
	return mux
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(sw.code), time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// errorBody is the only failure shape the API returns.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error, message string) {
	if code >= 500 {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Message: message})
}

// fail maps a component error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err, "")
	case errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrProgressRegression):
		s.writeError(w, http.StatusConflict, err, "")
	default:
		s.writeError(w, http.StatusInternalServerError, err, "")
	}
}

// decodeBody parses a bounded JSON body into dst. An empty body leaves
// dst zero-valued.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
