// Package metrics exposes the runtime's Prometheus metrics. All metrics
// share the "squawk" namespace and register against an injectable
// registry so tests can isolate their own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collector set for one coordinator process.
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	missionsDecomposed *prometheus.CounterVec
	sortiesDispatched  *prometheus.CounterVec
	lockConflicts      prometheus.Counter
	activeLocks        prometheus.Gauge
	activeSpecialists  prometheus.Gauge
	missedHeartbeats   prometheus.Counter
	checkpointsTaken   *prometheus.CounterVec
	recoveryItems      *prometheus.CounterVec
	llmLatency         *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

// New creates and registers all collectors. A nil registry uses a fresh
// private one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		gatherer: registry,

		missionsDecomposed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "missions_decomposed_total",
			Help:      "Missions decomposed into sortie trees, by strategy",
		}, []string{"strategy"}),

		sortiesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "sorties_dispatched_total",
			Help:      "Sortie launch attempts, by dispatch mode and outcome",
		}, []string{"mode", "outcome"}), // outcome: launched, failed, skipped

		lockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "lock_conflicts_total",
			Help:      "Lock acquisitions refused because the file was reserved",
		}),

		activeLocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "squawk",
			Name:      "active_locks",
			Help:      "File locks currently active",
		}),

		activeSpecialists: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "squawk",
			Name:      "active_specialists",
			Help:      "Specialists currently active or busy",
		}),

		missedHeartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "missed_heartbeats_total",
			Help:      "Specialists flagged for heartbeat silence",
		}),

		checkpointsTaken: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written, by trigger",
		}, []string{"trigger"}),

		recoveryItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "recovery_items_total",
			Help:      "Recovery restore items executed, by phase and status",
		}, []string{"phase", "status"}), // status: ok, failed

		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "squawk",
			Name:      "llm_latency_ms",
			Help:      "Planner LLM call duration in milliseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "status"}), // status: success, error

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "squawk",
			Name:      "http_requests_total",
			Help:      "API requests, by method, route, and status code",
		}, []string{"method", "route", "code"}),

		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "squawk",
			Name:      "http_request_duration_ms",
			Help:      "API request duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"method", "route"}),
	}
}

// Handler serves the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) MissionDecomposed(strategy string) {
	m.missionsDecomposed.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SortieDispatched(mode, outcome string) {
	m.sortiesDispatched.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) LockConflict() { m.lockConflicts.Inc() }

func (m *Metrics) SetActiveLocks(n int) { m.activeLocks.Set(float64(n)) }

func (m *Metrics) SetActiveSpecialists(n int) { m.activeSpecialists.Set(float64(n)) }

func (m *Metrics) MissedHeartbeat() { m.missedHeartbeats.Inc() }

func (m *Metrics) CheckpointTaken(trigger string) {
	m.checkpointsTaken.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecoveryItem(phase, status string) {
	m.recoveryItems.WithLabelValues(phase, status).Inc()
}

func (m *Metrics) ObserveLLMCall(provider, status string, d time.Duration) {
	m.llmLatency.WithLabelValues(provider, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveRequest(method, route, code string, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(float64(d.Milliseconds()))
}
