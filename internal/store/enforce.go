package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/uhdlab/embygate/pkg/types"
)

// Enforcement returns the active directive for a (dimension, value) pair,
// or nil when none is in effect.
func (s *Store) Enforcement(ctx context.Context, dim types.Dimension, value string) (*types.Enforcement, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, enforcementKey(dim, value)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enforcement: %w", err)
	}

	var e types.Enforcement
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode enforcement: %w", err)
	}
	return &e, nil
}

// ReplaceEnforcements swaps the full enforcement set: existing enforce:*
// keys are deleted first, then the new directives are written with TTLs
// derived from effective_until.
func (s *Store) ReplaceEnforcements(ctx context.Context, directives []types.Enforcement, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	old, err := s.scanKeys(ctx, "enforce:*", 0)
	if err != nil {
		return fmt.Errorf("scan enforcements: %w", err)
	}
	if len(old) > 0 {
		if err := s.client.Del(ctx, old...).Err(); err != nil {
			return fmt.Errorf("delete enforcements: %w", err)
		}
	}

	if len(directives) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, d := range directives {
		if d.DimensionValue == "" {
			continue
		}
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		pipe.Set(ctx, enforcementKey(d.Dimension, d.DimensionValue), data, enforcementTTL(d, now))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write enforcements: %w", err)
	}
	return nil
}

// enforcementTTL derives the key TTL from effective_until, defaulting to
// 600s when absent, unparseable or already past.
func enforcementTTL(d types.Enforcement, now time.Time) time.Duration {
	if d.EffectiveUntil == "" {
		return DefaultEnforcementTTL
	}
	until, err := time.Parse(time.RFC3339, d.EffectiveUntil)
	if err != nil {
		return DefaultEnforcementTTL
	}
	ttl := until.Sub(now)
	if ttl <= 0 {
		return DefaultEnforcementTTL
	}
	return ttl
}
