package agent

import (
	"context"
	"fmt"

	"github.com/uhdlab/embygate/pkg/types"
)

// resolveTokens polls the upstream session list and records device-to-user
// fallback bindings for devices that have none yet. This is the only
// writer of device_user keys.
func (a *Agent) resolveTokens(ctx context.Context) error {
	sessions, err := a.upstream.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("poll upstream sessions: %w", err)
	}

	for _, sess := range sessions {
		if sess.UserID == "" || sess.DeviceID == "" {
			continue
		}

		binding := &types.DeviceUser{
			UserID:        sess.UserID,
			Username:      sess.UserName,
			DeviceName:    sess.DeviceName,
			ClientName:    sess.Client,
			ClientVersion: sess.ApplicationVersion,
			ResolvedFrom:  "sessions_poll",
		}
		if err := a.store.PutDeviceUser(ctx, sess.DeviceID, binding, true); err != nil {
			a.logger.Error("device binding write failed", "device_id", sess.DeviceID, "error", err)
		}
	}
	return nil
}
