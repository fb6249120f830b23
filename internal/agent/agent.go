// Package agent runs the gateway's background loops: config pull,
// telemetry flush, quota sync, heartbeats and optional token resolution.
// Each loop is an independent goroutine whose timer is re-armed on every
// exit path of the body, so a failing iteration never stops the loop.
// Exactly one worker per deployment runs the agent (worker 0).
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uhdlab/embygate/internal/config"
	"github.com/uhdlab/embygate/internal/controlplane"
	"github.com/uhdlab/embygate/internal/emby"
	"github.com/uhdlab/embygate/internal/metrics"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
)

// Flush caps per telemetry drain.
const (
	maxAccessPerFlush  = 500
	maxBlockedPerFlush = 200
	maxReportsPerFlush = 100
)

// bodyTimeout caps one loop iteration so a stuck call cannot block the
// re-arm.
const bodyTimeout = 2 * time.Minute

// Agent owns the background loops.
type Agent struct {
	cp        *controlplane.Client
	store     *store.Store
	snapshots *config.SnapshotHolder
	buffers   *telemetry.Buffers
	upstream  *emby.Client
	intervals config.AgentConfig
	logger    *slog.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	now func() time.Time
}

// Config bundles the agent dependencies.
type Config struct {
	ControlPlane *controlplane.Client
	Store        *store.Store
	Snapshots    *config.SnapshotHolder
	Buffers      *telemetry.Buffers
	Upstream     *emby.Client // optional; nil disables token resolution
	Intervals    config.AgentConfig
	Logger       *slog.Logger
}

// New creates an agent.
func New(cfg *Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cp:        cfg.ControlPlane,
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		buffers:   cfg.Buffers,
		upstream:  cfg.Upstream,
		intervals: cfg.Intervals,
		logger:    logger,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches all loops with staggered initial delays to avoid a
// thundering herd against the control plane.
func (a *Agent) Start() {
	a.loop("config_pull", time.Second, a.intervals.ConfigPullInterval, a.pullConfig)
	a.loop("heartbeat", 3*time.Second, a.intervals.HeartbeatInterval, a.heartbeat)
	a.loop("telemetry_flush", 5*time.Second, a.intervals.TelemetryFlushInterval, a.flushTelemetry)
	a.loop("session_heartbeat", 8*time.Second, a.intervals.SessionHeartbeatInterval, a.sessionHeartbeat)
	a.loop("quota_sync", 10*time.Second, a.intervals.QuotaSyncInterval, a.syncQuota)

	if a.upstream.Enabled() {
		a.loop("token_resolve", 7*time.Second, a.intervals.TokenResolveInterval, a.resolveTokens)
	}

	a.logger.Info("background agent started")
}

// Stop signals all loops and waits for them to drain.
func (a *Agent) Stop() {
	a.stopped.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	a.logger.Info("background agent stopped")
}

// loop schedules body with a relative-delay timer. The timer is re-armed
// after every iteration regardless of outcome, including panics.
func (a *Agent) loop(name string, initialDelay, interval time.Duration, body func(ctx context.Context) error) {
	if interval <= 0 {
		a.logger.Warn("loop disabled by non-positive interval", "loop", name)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		for {
			select {
			case <-a.stopCh:
				return
			case <-timer.C:
			}

			a.runBody(name, body)
			timer.Reset(interval)
		}
	}()
}

func (a *Agent) runBody(name string, body func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AgentLoopRuns.WithLabelValues(name, "panic").Inc()
			a.logger.Error("agent loop panicked", "loop", name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), bodyTimeout)
	defer cancel()

	if err := body(ctx); err != nil {
		metrics.AgentLoopRuns.WithLabelValues(name, "error").Inc()
		a.logger.Error("agent loop iteration failed", "loop", name, "error", err)
		return
	}
	metrics.AgentLoopRuns.WithLabelValues(name, "ok").Inc()
}
