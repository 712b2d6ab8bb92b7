// Package metrics provides Prometheus metrics for the clinical context engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ModeTransitions     *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	LockOverrides       prometheus.Counter
	FeedsOpen           prometheus.Gauge
	FeedRebuilds        prometheus.Counter
	ScoringDuration     prometheus.Histogram
	SessionWriteErrors  prometheus.Counter
	AuditPublished      prometheus.Counter
	AuditDropped        prometheus.Counter
	StorageBreakerState prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mode_transitions_total",
			Help: "Committed mode transitions",
		}, []string{"from", "to"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mode_transitions_rejected_total",
			Help: "Rejected mode transitions by reason",
		}, []string{"reason"}),
		LockOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mode_lock_overrides_total",
			Help: "Completed hold-to-override transitions",
		}),
		FeedsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeds_open",
			Help: "Currently open data feed subscriptions",
		}),
		FeedRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_rebuilds_total",
			Help: "Subscription set rebuilds",
		}),
		ScoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tool_scoring_duration_seconds",
			Help:    "Tool relevance scoring duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		}),
		SessionWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_write_errors_total",
			Help: "Discarded session writes",
		}),
		AuditPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_published_total",
			Help: "Mode-switch audit events published",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped on publish failure",
		}),
		StorageBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_storage_breaker_state",
			Help: "Session storage circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.ModeTransitions,
		m.TransitionsRejected,
		m.LockOverrides,
		m.FeedsOpen,
		m.FeedRebuilds,
		m.ScoringDuration,
		m.SessionWriteErrors,
		m.AuditPublished,
		m.AuditDropped,
		m.StorageBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
