// Package metrics defines the Prometheus metrics exported by the
// coordinator (spec E.2's domain stack wiring for observability).
//
// Metric naming follows Prometheus conventions:
//   - epigen_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsTotal counts /detect outcomes by service and decision.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigen_decisions_total",
			Help: "Total detect decisions by service and decision kind.",
		},
		[]string{"service", "decision"},
	)

	// PromotionsTotal counts adaptive-layer promotions by service.
	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigen_promotions_total",
			Help: "Total adaptive-layer path promotions by service.",
		},
		[]string{"service"},
	)

	// EvictionsTotal counts adaptive-layer LRU evictions by service.
	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigen_adaptive_evictions_total",
			Help: "Total adaptive-layer record evictions by service.",
		},
		[]string{"service"},
	)

	// AgentDegradedTotal counts non-finite Q-value fallbacks by service.
	AgentDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epigen_agent_degraded_total",
			Help: "Total times the evolutionary agent degraded to OBSERVE.",
		},
		[]string{"service"},
	)

	// SnapshotVersion is the current compiled snapshot version per service.
	SnapshotVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epigen_snapshot_version",
			Help: "Current flat snapshot version by service.",
		},
		[]string{"service"},
	)

	// QTableSize is the number of distinct discretized states in the
	// agent's Q-table (agent.Agent.Size), per service.
	QTableSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epigen_qtable_states",
			Help: "Number of distinct Q-table states by service.",
		},
		[]string{"service"},
	)

	// CompileDurationSeconds is a histogram of Compile (Flatten plus
	// dedupe) latency.
	CompileDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epigen_compile_duration_seconds",
			Help:    "Duration of snapshot compilation in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		PromotionsTotal,
		EvictionsTotal,
		AgentDegradedTotal,
		SnapshotVersion,
		QTableSize,
		CompileDurationSeconds,
	)
}

// RecordDecision records one /detect outcome.
func RecordDecision(service, decision string) {
	DecisionsTotal.WithLabelValues(service, decision).Inc()
}

// RecordPromotion records one adaptive-layer promotion.
func RecordPromotion(service string) {
	PromotionsTotal.WithLabelValues(service).Inc()
}

// RecordEviction records one adaptive-layer LRU eviction.
func RecordEviction(service string) {
	EvictionsTotal.WithLabelValues(service).Inc()
}

// RecordAgentDegraded records one agent degradation event.
func RecordAgentDegraded(service string) {
	AgentDegradedTotal.WithLabelValues(service).Inc()
}

// SetSnapshotVersion updates the published snapshot version gauge.
func SetSnapshotVersion(service string, version uint64) {
	SnapshotVersion.WithLabelValues(service).Set(float64(version))
}

// SetQTableSize updates the Q-table size gauge.
func SetQTableSize(service string, size int) {
	QTableSize.WithLabelValues(service).Set(float64(size))
}

// ObserveCompileDuration records one compile cycle's wall-clock duration.
func ObserveCompileDuration(service string, d time.Duration) {
	CompileDurationSeconds.WithLabelValues(service).Observe(d.Seconds())
}
