// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the number of live voice sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxgate_sessions_active",
		Help: "Number of currently active voice sessions",
	})

	// SessionsTotal counts accepted voice sessions.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxgate_sessions_total",
		Help: "Total number of accepted voice sessions",
	})

	// TurnsTotal counts completed conversation turns by derived intent.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxgate_turns_total",
		Help: "Total number of completed conversation turns by intent",
	}, []string{"intent"})

	// TurnLatency tracks the time from final transcript to reply.
	TurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxgate_turn_latency_seconds",
		Help:    "Time from final transcript to generated reply",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
	})

	// UpstreamReconnects counts supervised reconnects per upstream leg.
	UpstreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxgate_upstream_reconnects_total",
		Help: "Total number of upstream reconnects by leg",
	}, []string{"leg"})

	// UpstreamFailures counts fatal upstream failures per leg.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxgate_upstream_failures_total",
		Help: "Total number of fatal upstream failures by leg",
	}, []string{"leg"})
)

// ObserveTurn records one completed turn.
func ObserveTurn(intent string, latency time.Duration) {
	TurnsTotal.WithLabelValues(intent).Inc()
	TurnLatency.Observe(latency.Seconds())
}
