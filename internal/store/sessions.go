package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/uhdlab/embygate/pkg/types"
)

// SessionExists reports whether the (user, play session) pair is already
// admitted. Concurrent callers may race on this check; the bounded
// over-admission is resolved by the 90-second TTL.
func (s *Store) SessionExists(ctx context.Context, userID, playSessionID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, activeSessionKey(userID, playSessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return n > 0, nil
}

// PutSession writes a session record with the sliding 90-second TTL.
func (s *Store) PutSession(ctx context.Context, userID, playSessionID string, sess *types.ActiveSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, activeSessionKey(userID, playSessionID), data, ActiveSessionTTL).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// RefreshSession slides the TTL, bumps last_seen and accumulates bytes.
// A session that expired between requests is recreated with started_at=now.
func (s *Store) RefreshSession(ctx context.Context, userID, playSessionID string, fp *types.Fingerprint, bytesSent int64, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := activeSessionKey(userID, playSessionID)
	var sess types.ActiveSession

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		sess = types.ActiveSession{StartedAt: now}
	case err != nil:
		return fmt.Errorf("get session: %w", err)
	default:
		if err := json.Unmarshal(data, &sess); err != nil {
			sess = types.ActiveSession{StartedAt: now}
		}
	}

	sess.LastSeen = now
	sess.BytesSent += bytesSent
	if fp != nil {
		if sess.DeviceID == "" {
			sess.DeviceID = fp.DeviceID
		}
		if sess.DeviceName == "" {
			sess.DeviceName = fp.DeviceName
		}
		if sess.ClientName == "" {
			sess.ClientName = fp.ClientName
		}
		if sess.ClientIP == "" {
			sess.ClientIP = fp.ClientIP
		}
	}

	encoded, err := json.Marshal(&sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, key, encoded, ActiveSessionTTL).Err(); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	return nil
}

// CountSessions returns the number of active sessions for a user.
func (s *Store) CountSessions(ctx context.Context, userID string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys, err := s.scanKeys(ctx, activeSessionPattern(userID), 0)
	if err != nil {
		return 0, fmt.Errorf("scan sessions: %w", err)
	}
	return len(keys), nil
}

// ScanSessions returns a snapshot of all active sessions on this store.
func (s *Store) ScanSessions(ctx context.Context) ([]types.SessionSnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys, err := s.scanKeys(ctx, "active_session:*", 0)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget sessions: %w", err)
	}

	snapshots := make([]types.SessionSnapshot, 0, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between scan and read
		}
		var sess types.ActiveSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}

		rest := strings.TrimPrefix(keys[i], "active_session:")
		userID, psid, found := strings.Cut(rest, ":")
		if !found {
			continue
		}
		snapshots = append(snapshots, types.SessionSnapshot{
			UserID:        userID,
			PlaySessionID: psid,
			DeviceID:      sess.DeviceID,
			DeviceName:    sess.DeviceName,
			ClientName:    sess.ClientName,
			ClientIP:      sess.ClientIP,
			StartedAt:     sess.StartedAt,
			LastSeen:      sess.LastSeen,
			BytesSent:     sess.BytesSent,
		})
	}
	return snapshots, nil
}
