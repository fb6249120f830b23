package agent

import (
	"context"
	"fmt"

	"github.com/uhdlab/embygate/internal/metrics"
	"github.com/uhdlab/embygate/pkg/types"
)

// pullConfig polls the remote snapshot version and applies updates. The
// pull is a no-op when has_update is false and the remote version is not
// newer: no store writes, no ACK.
func (a *Agent) pullConfig(ctx context.Context) error {
	info, err := a.cp.ConfigVersion(ctx)
	if err != nil {
		return fmt.Errorf("poll config version: %w", err)
	}

	local := a.snapshots.Version()
	if !info.HasUpdate && info.Version <= local {
		return nil
	}

	payload, err := a.cp.Config(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	// Merge present fields onto the current snapshot, then swap the whole
	// value atomically so readers never see mixed fields.
	next := &types.Snapshot{}
	if current := a.snapshots.Get(); current != nil {
		*next = *current
	}
	if payload.Version != nil {
		next.Version = *payload.Version
	} else {
		next.Version = info.Version
	}
	if payload.ServiceType != nil {
		next.ServiceType = *payload.ServiceType
	}
	if payload.LuaConfig != nil {
		next.Policy = *payload.LuaConfig
	}
	if payload.RateLimitConfig != nil {
		next.RateLimit = *payload.RateLimitConfig
	}

	a.snapshots.Replace(next)
	metrics.ConfigVersion.Set(float64(next.Version))

	if payload.RateLimitConfig != nil {
		if err := a.store.ReplaceEnforcements(ctx, payload.RateLimitConfig.Enforcements, a.now()); err != nil {
			a.logger.Error("enforcement replace failed", "error", err)
		}
	}

	a.logger.Info("policy snapshot applied",
		"version", next.Version,
		"previous_version", local,
		"snapshot_id", info.SnapshotID,
	)

	if info.SnapshotID != "" {
		if err := a.cp.Ack(ctx, info.SnapshotID, "applied"); err != nil {
			return fmt.Errorf("ack snapshot: %w", err)
		}
	}
	return nil
}
