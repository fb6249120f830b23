package agent

import (
	"context"

	"github.com/uhdlab/embygate/internal/telemetry"
)

// flushTelemetry drains the buffers and uploads each batch. Entries from a
// failed POST are counted as lost; there is no retry, the queues keep
// filling for the next tick.
func (a *Agent) flushTelemetry(ctx context.Context) error {
	var firstErr error

	if entries := a.buffers.DrainAccess(maxAccessPerFlush); len(entries) > 0 {
		if err := a.cp.PushAccessLogs(ctx, entries); err != nil {
			telemetry.CountLost("access", len(entries))
			a.logger.Error("access log flush failed, entries lost", "count", len(entries), "error", err)
			firstErr = err
		}
	}

	if entries := a.buffers.DrainBlocked(maxBlockedPerFlush); len(entries) > 0 {
		if err := a.cp.PushBlockedRequests(ctx, entries); err != nil {
			telemetry.CountLost("blocked", len(entries))
			a.logger.Error("blocked log flush failed, entries lost", "count", len(entries), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	reports, err := a.store.DrainTokenReports(ctx, maxReportsPerFlush)
	if err != nil {
		a.logger.Error("token report drain failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	for i := range reports {
		if err := a.cp.PushLoginEvent(ctx, &reports[i]); err != nil {
			telemetry.CountLost("login", 1)
			a.logger.Error("login event upload failed, event lost", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
