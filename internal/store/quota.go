package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/uhdlab/embygate/pkg/types"
)

// quotaPeriods are the locally accounted counter windows.
var quotaPeriods = []types.Period{types.PeriodDaily, types.PeriodMonthly}

// remainingPeriods are the windows the control plane may configure quotas
// for; mirrors are read and decremented across all of them.
var remainingPeriods = []types.Period{types.PeriodDaily, types.PeriodWeekly, types.PeriodMonthly}

// decrIfExistsScript decrements each key only when it exists, so decrements
// on missing mirrors stay no-ops instead of materialising negative keys.
var decrIfExistsScript = goredis.NewScript(`
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        redis.call('DECRBY', KEYS[i], ARGV[i])
    end
end
return #KEYS
`)

// IncrQuota increments the request and bandwidth counters for one dimension
// value across the daily and monthly windows, refreshing period TTLs.
// Counters are monotonically increasing within a window; expiry resets them
// to absent.
func (s *Store) IncrQuota(ctx context.Context, dim types.Dimension, value string, requests, bandwidth int64, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	for _, period := range quotaPeriods {
		pk := PeriodKey(period, now)
		ttl := quotaTTL(period)
		if requests > 0 {
			key := quotaKey("req", dim, value, period, pk)
			pipe.IncrBy(ctx, key, requests)
			pipe.Expire(ctx, key, ttl)
		}
		if bandwidth > 0 {
			key := quotaKey("bw", dim, value, period, pk)
			pipe.IncrBy(ctx, key, bandwidth)
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr quota: %w", err)
	}
	return nil
}

// RemainingMinimums reads the remaining-capacity mirrors for one dimension
// value across all periods in a single pipelined batch and returns the
// per-kind minimum. A nil result means no mirror is present for that kind,
// i.e. no quota is configured.
func (s *Store) RemainingMinimums(ctx context.Context, dim types.Dimension, value string) (reqMin, bwMin *int64, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	reqCmds := make([]*goredis.StringCmd, len(remainingPeriods))
	bwCmds := make([]*goredis.StringCmd, len(remainingPeriods))
	for i, period := range remainingPeriods {
		reqCmds[i] = pipe.Get(ctx, remainingKey("req", dim, value, period))
		bwCmds[i] = pipe.Get(ctx, remainingKey("bw", dim, value, period))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, nil, fmt.Errorf("read remaining mirrors: %w", err)
	}

	reqMin = minOfCmds(reqCmds)
	bwMin = minOfCmds(bwCmds)
	return reqMin, bwMin, nil
}

func minOfCmds(cmds []*goredis.StringCmd) *int64 {
	var result *int64
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if result == nil || v < *result {
			value := v
			result = &value
		}
	}
	return result
}

// SetRemaining replaces the remaining-capacity mirrors reported by the
// control plane. Each mirror carries the 600-second TTL.
func (s *Store) SetRemaining(ctx context.Context, entries []types.RemainingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	for _, e := range entries {
		kind := e.Kind
		if kind != "bw" {
			kind = "req"
		}
		pipe.Set(ctx, remainingKey(kind, e.Dimension, e.Value, e.Period), e.Remaining, RemainingTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set remaining mirrors: %w", err)
	}
	return nil
}

// DecrRemaining decrements the mirrors for one dimension value: requests by
// one, bandwidth by bytesSent, across every period. Missing mirrors are
// untouched. Values may go negative between syncs; readers treat negative
// as exhausted and the mirror TTL bounds the divergence.
func (s *Store) DecrRemaining(ctx context.Context, dim types.Dimension, value string, bytesSent int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys := make([]string, 0, len(remainingPeriods)*2)
	args := make([]interface{}, 0, len(remainingPeriods)*2)
	for _, period := range remainingPeriods {
		keys = append(keys, remainingKey("req", dim, value, period))
		args = append(args, 1)
		if bytesSent > 0 {
			keys = append(keys, remainingKey("bw", dim, value, period))
			args = append(args, bytesSent)
		}
	}

	if err := decrIfExistsScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("decr remaining mirrors: %w", err)
	}
	return nil
}

// ScanQuotaCounters collects all local quota counters for upload. Request
// counters drive the scan; a missing bandwidth counterpart reads as zero
// (the pair may be torn by concurrent expiry).
func (s *Store) ScanQuotaCounters(ctx context.Context) ([]types.QuotaCounter, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys, err := s.scanKeys(ctx, "quota:req:*", 0)
	if err != nil {
		return nil, fmt.Errorf("scan quota counters: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	counters := make([]types.QuotaCounter, 0, len(keys))
	allKeys := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		allKeys = append(allKeys, key)
		allKeys = append(allKeys, "quota:bw:"+strings.TrimPrefix(key, "quota:req:"))
	}

	values, err := s.client.MGet(ctx, allKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget quota counters: %w", err)
	}

	for i, key := range keys {
		counter, ok := parseQuotaKey(key)
		if !ok {
			continue
		}
		counter.Requests = parseCounterValue(values[i*2])
		counter.Bandwidth = parseCounterValue(values[i*2+1])
		counters = append(counters, counter)
	}
	return counters, nil
}

// parseQuotaKey decodes quota:req:<dim>:<val>:<period>:<period_key>.
// The value segment may itself contain colons (IPv6 addresses), so the
// period and period key are taken from the right.
func parseQuotaKey(key string) (types.QuotaCounter, bool) {
	rest, ok := strings.CutPrefix(key, "quota:req:")
	if !ok {
		return types.QuotaCounter{}, false
	}

	lastSep := strings.LastIndexByte(rest, ':')
	if lastSep < 0 {
		return types.QuotaCounter{}, false
	}
	periodKey := rest[lastSep+1:]
	rest = rest[:lastSep]

	lastSep = strings.LastIndexByte(rest, ':')
	if lastSep < 0 {
		return types.QuotaCounter{}, false
	}
	period := types.Period(rest[lastSep+1:])
	rest = rest[:lastSep]

	dim, value, found := strings.Cut(rest, ":")
	if !found || value == "" {
		return types.QuotaCounter{}, false
	}

	return types.QuotaCounter{
		Dimension: types.Dimension(dim),
		Value:     value,
		Period:    period,
		PeriodKey: periodKey,
	}, true
}

func parseCounterValue(v interface{}) int64 {
	raw, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
