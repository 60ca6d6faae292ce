// Package metrics exposes the core's Prometheus instrumentation.
//
// One [Set] is constructed per core with its own registry so tests can run
// cores side by side without collector collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the core's collectors.
type Set struct {
	registry *prometheus.Registry

	// SafeMode is 1 while the store is in read_only posture.
	SafeMode prometheus.Gauge

	// ConsecutiveFailures mirrors the health record's failure counter.
	ConsecutiveFailures prometheus.Gauge

	// BreakerState reports 0 closed, 1 half-open, 2 open per breaker name.
	BreakerState *prometheus.GaugeVec

	// RetryAttempts counts attempts per operation name.
	RetryAttempts *prometheus.CounterVec

	// DLQDepth is the number of entries currently in failed status.
	DLQDepth prometheus.Gauge

	// CheckStatus reports the checker status per target
	// (0 unknown, 1 healthy, 2 degraded, 3 unhealthy).
	CheckStatus *prometheus.GaugeVec

	// WALPending is the number of intents found at last recovery.
	WALPending prometheus.Gauge
}

// NewSet creates a metric set on a fresh registry.
func NewSet() *Set {
	registry := prometheus.NewRegistry()

	s := &Set{
		registry: registry,
		SafeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_safe_mode",
			Help: "1 while the store is in read_only safe mode.",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_consecutive_failures",
			Help: "Consecutive failures recorded by the health mesh.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgeflow_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeflow_retry_attempts_total",
			Help: "Attempts made by the retry layer.",
		}, []string{"operation"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_dlq_depth",
			Help: "Dead-letter entries currently in failed status.",
		}),
		CheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgeflow_check_status",
			Help: "Health check status: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy.",
		}, []string{"target"}),
		WALPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeflow_wal_pending_intents",
			Help: "Pending WAL intents reported by the last recovery.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		s.SafeMode,
		s.ConsecutiveFailures,
		s.BreakerState,
		s.RetryAttempts,
		s.DLQDepth,
		s.CheckStatus,
		s.WALPending,
	)

	return s
}

// Handler returns the Prometheus scrape handler for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
