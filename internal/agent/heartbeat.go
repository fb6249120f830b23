package agent

import (
	"context"
	"fmt"

	"github.com/uhdlab/embygate/internal/controlplane"
	"github.com/uhdlab/embygate/internal/metrics"
)

// heartbeat reports liveness, the applied config version and queue depths.
func (a *Agent) heartbeat(ctx context.Context) error {
	access, blocked := a.buffers.Counts()

	sessions, err := a.store.ScanSessions(ctx)
	if err != nil {
		a.logger.Error("session scan failed", "error", err)
		// Heartbeat still goes out; the count is best-effort metadata.
	}

	req := &controlplane.HeartbeatRequest{
		AgentVersion:         controlplane.AgentVersion,
		CurrentConfigVersion: a.snapshots.Version(),
		Status:               "ok",
		Metadata: map[string]any{
			"access_log_pending":  access,
			"blocked_log_pending": blocked,
			"active_sessions":     len(sessions),
		},
	}
	if err := a.cp.Heartbeat(ctx, req); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// sessionHeartbeat posts the realtime session snapshot. An empty snapshot
// is still sent so the control plane clears stale central state.
func (a *Agent) sessionHeartbeat(ctx context.Context) error {
	sessions, err := a.store.ScanSessions(ctx)
	if err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}

	metrics.ActiveSessions.Set(float64(len(sessions)))

	if err := a.cp.PushSessions(ctx, sessions); err != nil {
		return fmt.Errorf("push sessions: %w", err)
	}
	return nil
}
