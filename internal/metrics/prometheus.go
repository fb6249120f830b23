// Package metrics provides Prometheus metrics for the gateway: pipeline
// decisions, store health, telemetry buffer losses and agent loop activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "embygate"

var (
	// RequestsTotal counts pipeline evaluations by decision.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests evaluated by the access pipeline",
		},
		[]string{"decision"},
	)

	// DenialsTotal counts denials by reason.
	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Total requests denied by the access pipeline",
		},
		[]string{"reason"},
	)

	// PipelineDuration tracks time spent in the access pipeline.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Access pipeline evaluation latency",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// StoreErrors counts failed store operations by call site.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total failed shared-store operations",
		},
		[]string{"op"},
	)

	// TelemetryDropped counts telemetry entries lost to overflow, expiry or
	// flush failure.
	TelemetryDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry entries dropped before reaching the control plane",
		},
		[]string{"kind", "cause"},
	)

	// AgentLoopRuns counts agent loop iterations by outcome.
	AgentLoopRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_loop_runs_total",
			Help:      "Background agent loop iterations",
		},
		[]string{"loop", "outcome"},
	)

	// ConfigVersion reports the currently applied snapshot version.
	ConfigVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version",
			Help:      "Currently applied policy snapshot version",
		},
	)

	// ActiveSessions reports the session count seen by the last heartbeat.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Active playback sessions at last session heartbeat",
		},
	)

	// UpstreamBytesSent counts response bytes forwarded to clients.
	UpstreamBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_sent_total",
			Help:      "Response bytes forwarded from the upstream media server",
		},
	)
)
