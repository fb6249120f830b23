package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/uhdlab/embygate/pkg/types"
)

// TokenMapping returns the stored binding for an access token, or nil when
// absent.
func (s *Store) TokenMapping(ctx context.Context, token string) (*types.TokenMapping, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, tokenMappingKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token mapping: %w", err)
	}

	var m types.TokenMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode token mapping: %w", err)
	}
	if m.UserID == "" {
		// Defunct record; treat as a miss.
		return nil, nil
	}
	return &m, nil
}

// PutTokenMapping persists a token binding with the 7-day TTL.
func (s *Store) PutTokenMapping(ctx context.Context, token string, m *types.TokenMapping) error {
	if m == nil || m.UserID == "" {
		return errors.New("token mapping requires a user id")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode token mapping: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, tokenMappingKey(token), data, TokenMappingTTL).Err(); err != nil {
		return fmt.Errorf("set token mapping: %w", err)
	}
	return nil
}

// TouchTokenMapping refreshes the TTL of an existing binding.
func (s *Store) TouchTokenMapping(ctx context.Context, token string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Expire(ctx, tokenMappingKey(token), TokenMappingTTL).Err(); err != nil {
		return fmt.Errorf("touch token mapping: %w", err)
	}
	return nil
}

// DeviceUser returns the device-to-user fallback binding, or nil when
// absent.
func (s *Store) DeviceUser(ctx context.Context, deviceID string) (*types.DeviceUser, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, deviceUserKey(deviceID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device user: %w", err)
	}

	var du types.DeviceUser
	if err := json.Unmarshal(data, &du); err != nil {
		return nil, fmt.Errorf("decode device user: %w", err)
	}
	return &du, nil
}

// PutDeviceUser persists a fallback binding. With onlyIfAbsent the write is
// skipped when a binding already exists, preserving the earliest resolution.
func (s *Store) PutDeviceUser(ctx context.Context, deviceID string, du *types.DeviceUser, onlyIfAbsent bool) error {
	data, err := json.Marshal(du)
	if err != nil {
		return fmt.Errorf("encode device user: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	key := deviceUserKey(deviceID)
	if onlyIfAbsent {
		if err := s.client.SetNX(ctx, key, data, DeviceUserTTL).Err(); err != nil {
			return fmt.Errorf("setnx device user: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, key, data, DeviceUserTTL).Err(); err != nil {
		return fmt.Errorf("set device user: %w", err)
	}
	return nil
}

// QueueTokenReport records a login event for the telemetry flush loop.
// Entries expire after 10 minutes if never drained.
func (s *Store) QueueTokenReport(ctx context.Context, report *types.TokenReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode token report: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	key := tokenReportKey(time.Now().Unix(), uuid.NewString())
	if err := s.client.Set(ctx, key, data, TokenReportTTL).Err(); err != nil {
		return fmt.Errorf("queue token report: %w", err)
	}
	return nil
}

// DrainTokenReports removes and returns up to max queued login events.
// Undecodable entries are dropped.
func (s *Store) DrainTokenReports(ctx context.Context, max int) ([]types.TokenReport, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys, err := s.scanKeys(ctx, "token_report:*", max)
	if err != nil {
		return nil, fmt.Errorf("scan token reports: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget token reports: %w", err)
	}

	reports := make([]types.TokenReport, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r types.TokenReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return reports, fmt.Errorf("del token reports: %w", err)
	}
	return reports, nil
}
