package agent

import (
	"context"
	"fmt"

	"github.com/uhdlab/embygate/pkg/types"
)

// syncQuota uploads the absolute local counters, mirrors back the central
// remaining capacities and refreshes the enforcement set. Safe to repeat:
// counters are absolute, so a retried sync converges to the same mirrors.
func (a *Agent) syncQuota(ctx context.Context) error {
	counters, err := a.store.ScanQuotaCounters(ctx)
	if err != nil {
		return fmt.Errorf("scan quota counters: %w", err)
	}

	result, err := a.cp.SyncQuota(ctx, counters)
	if err != nil {
		return fmt.Errorf("quota sync: %w", err)
	}

	if err := a.store.SetRemaining(ctx, result.Remaining); err != nil {
		a.logger.Error("remaining mirror write failed", "error", err)
	}
	if err := a.store.ReplaceEnforcements(ctx, result.Enforcements, a.now()); err != nil {
		a.logger.Error("enforcement replace failed", "error", err)
	}

	// Out-of-band rule refresh keeps enforcement latency under one sync
	// interval even when no config snapshot is pending.
	limits, err := a.cp.RateLimits(ctx)
	if err != nil {
		a.logger.Warn("rate limit refresh failed", "error", err)
		return nil
	}
	a.applyRateLimits(ctx, limits.Rules, limits.Enforcements)
	return nil
}

func (a *Agent) applyRateLimits(ctx context.Context, rules []types.RateLimitRule, enforcements []types.Enforcement) {
	// Before the first config pull lands, seed a version-0 snapshot so the
	// refreshed rules take effect instead of being dropped on the floor.
	next := &types.Snapshot{}
	if current := a.snapshots.Get(); current != nil {
		*next = *current
	}
	next.RateLimit.Rules = rules
	next.RateLimit.Enforcements = enforcements
	a.snapshots.Replace(next)

	if err := a.store.ReplaceEnforcements(ctx, enforcements, a.now()); err != nil {
		a.logger.Error("enforcement replace failed", "error", err)
	}
}
