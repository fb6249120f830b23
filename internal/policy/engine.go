package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/uhdlab/embygate/internal/config"
	"github.com/uhdlab/embygate/internal/identity"
	"github.com/uhdlab/embygate/internal/metrics"
	"github.com/uhdlab/embygate/internal/ratelimit"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
	"github.com/uhdlab/embygate/pkg/types"
)

// Default denial messages; snapshots may override them.
const (
	defaultBlockMessage       = "该地址已被禁止访问"
	defaultDenyMessage        = "当前客户端不被允许访问"
	defaultRateLimitMessage   = "请求过于频繁，请稍后再试"
	defaultQuotaMessage       = "流量或请求配额已用尽，请稍后再试"
	defaultStreamLimitMessage = "并发播放数量已达上限，请停止其他播放后重试"
	versionUpgradeFormat      = "请使用 %s %s 或更高版本进行访问"
)

// Engine runs the access pipeline. It reads the policy snapshot lock-free,
// consults local rate-limit state and the shared store, and never lets a
// store failure deny a request that would otherwise pass.
type Engine struct {
	snapshots *config.SnapshotHolder
	store     *store.Store
	resolver  *identity.Resolver
	limiter   *ratelimit.Limiter
	buffers   *telemetry.Buffers
	logger    *slog.Logger
	uriRules  *regexCache

	now func() time.Time
}

// NewEngine wires the pipeline dependencies.
func NewEngine(snapshots *config.SnapshotHolder, st *store.Store, resolver *identity.Resolver, limiter *ratelimit.Limiter, buffers *telemetry.Buffers, logger *slog.Logger) *Engine {
	return &Engine{
		snapshots: snapshots,
		store:     st,
		resolver:  resolver,
		limiter:   limiter,
		buffers:   buffers,
		logger:    logger,
		uriRules:  newRegexCache(logger),
		now:       time.Now,
	}
}

// Evaluate runs stages 1-9 strictly in order and returns the decision.
func (e *Engine) Evaluate(ctx context.Context, r *http.Request) *Decision {
	started := e.now()
	defer func() {
		metrics.PipelineDuration.Observe(e.now().Sub(started).Seconds())
	}()

	snap := e.snapshots.Get()
	if snap == nil {
		// Cold start: no policy yet, allow through with local identity only.
		d := allowDecision(identity.Extract(r))
		metrics.RequestsTotal.WithLabelValues("allow").Inc()
		return d
	}

	d := e.evaluate(ctx, r, snap)
	switch d.Outcome {
	case OutcomeAllow:
		metrics.RequestsTotal.WithLabelValues("allow").Inc()
	case OutcomeFakeCounts:
		metrics.RequestsTotal.WithLabelValues("fake_counts").Inc()
	default:
		metrics.RequestsTotal.WithLabelValues("deny").Inc()
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, r *http.Request, snap *types.Snapshot) *Decision {
	path := r.URL.Path
	policy := &snap.Policy

	// Stage 1: URI skip list bypasses everything else.
	if _, ok := e.uriRules.firstMatch(policy.SkipList, path); ok {
		return allowDecision(identity.Extract(r))
	}

	// Stage 2: URI block list.
	if pattern, ok := e.uriRules.firstMatch(policy.BlockList, path); ok {
		fp := identity.Extract(r)
		return e.deny(fp, &Decision{
			Outcome: OutcomeDeny,
			Status:  http.StatusForbidden,
			Reason:  types.ReasonURIBlocked,
			Message: messageOr(policy.BlockMessage, defaultBlockMessage),
		}, pattern)
	}

	// Stage 3: identity resolution and back-fill.
	fp := identity.Extract(r)
	e.resolver.Backfill(ctx, fp)

	d := allowDecision(fp)

	// Stage 4: enforcement directives.
	if denial := e.checkEnforcements(ctx, fp, d); denial != nil {
		return denial
	}

	// Stage 5: local rate limiting.
	if denial := e.checkRateLimits(fp, snap.RateLimit.Rules, d); denial != nil {
		return denial
	}

	// Stage 6: remaining-capacity mirrors.
	if denial := e.checkRemaining(ctx, fp, policy, d); denial != nil {
		return denial
	}

	// Stage 7: concurrent-stream gate.
	if denial := e.checkStreamGate(ctx, fp, policy, d); denial != nil {
		return denial
	}

	// Stage 8: client whitelist and minimum versions.
	if denial := e.checkWhitelist(fp, policy, d); denial != nil {
		return denial
	}

	// Stage 9: fake-counts interception.
	if policy.FakeCountsEnabled && isCountsPath(path) {
		value := policy.FakeCountsValue
		if value <= 0 {
			value = DefaultFakeCountsValue
		}
		return &Decision{
			Outcome:     OutcomeFakeCounts,
			Status:      http.StatusOK,
			JSONBody:    fakeCountsBody(value),
			Fingerprint: fp,
		}
	}

	return d
}

// dimensions yields the (dimension, value) pairs present on a fingerprint,
// in evaluation order.
func dimensions(fp *types.Fingerprint) [][2]string {
	pairs := make([][2]string, 0, 3)
	if fp.ClientIP != "" {
		pairs = append(pairs, [2]string{string(types.DimensionIP), fp.ClientIP})
	}
	if fp.UserID != "" {
		pairs = append(pairs, [2]string{string(types.DimensionUser), fp.UserID})
	}
	if fp.DeviceID != "" {
		pairs = append(pairs, [2]string{string(types.DimensionDevice), fp.DeviceID})
	}
	return pairs
}

func (e *Engine) checkEnforcements(ctx context.Context, fp *types.Fingerprint, d *Decision) *Decision {
	for _, pair := range dimensions(fp) {
		directive, err := e.store.Enforcement(ctx, types.Dimension(pair[0]), pair[1])
		if err != nil {
			metrics.StoreErrors.WithLabelValues("enforcement").Inc()
			e.logger.Error("enforcement lookup failed", "dimension", pair[0], "error", err)
			continue
		}
		if directive == nil {
			continue
		}

		switch directive.Action {
		case types.ActionReject:
			return e.deny(fp, &Decision{
				Outcome: OutcomeDeny,
				Status:  http.StatusForbidden,
				Reason:  types.ReasonEnforcementReject,
				Message: messageOr(directive.Reason, defaultDenyMessage),
			}, "")
		case types.ActionThrottle:
			if directive.ThrottleRateBPS > d.ThrottleBPS {
				d.ThrottleBPS = directive.ThrottleRateBPS
			}
		}
	}
	return nil
}

func (e *Engine) checkRateLimits(fp *types.Fingerprint, rules []types.RateLimitRule, d *Decision) *Decision {
	for _, rule := range rules {
		value, ok := ruleValue(rule, fp)
		if !ok {
			continue
		}

		key := rule.ID + ":" + string(rule.ApplyTo) + ":" + value

		if rule.RatePerSecond > 0 && !e.limiter.AllowPerSecond(key, rule.RatePerSecond, rule.RateBurst) {
			if denial := e.overLimit(fp, rule, types.ReasonRateLimitRPS, d); denial != nil {
				return denial
			}
			// Throttle keeps the request going, so the minute window below
			// still has to see it.
		}
		if rule.RatePerMinute > 0 && !e.limiter.AllowPerMinute(key, rule.RatePerMinute) {
			if denial := e.overLimit(fp, rule, types.ReasonRateLimitRPM, d); denial != nil {
				return denial
			}
		}
	}
	return nil
}

// ruleValue resolves the dimension value a rule applies to. A missing value
// skips the rule; a literal apply_value must match exactly.
func ruleValue(rule types.RateLimitRule, fp *types.Fingerprint) (string, bool) {
	var value string
	switch rule.ApplyTo {
	case types.DimensionIP:
		value = fp.ClientIP
	case types.DimensionUser:
		value = fp.UserID
	case types.DimensionDevice:
		value = fp.DeviceID
	case types.DimensionGlobal:
		value = "global"
	default:
		return "", false
	}
	if value == "" {
		return "", false
	}
	if !rule.Wildcard() && *rule.ApplyValue != value {
		return "", false
	}
	return value, true
}

func (e *Engine) overLimit(fp *types.Fingerprint, rule types.RateLimitRule, reason string, d *Decision) *Decision {
	if rule.OverAction == types.ActionThrottle {
		if rule.ThrottleRateBPS > d.ThrottleBPS {
			d.ThrottleBPS = rule.ThrottleRateBPS
		}
		e.buffers.AppendBlocked(e.blockedEntry(fp, reason, "", ""))
		return nil
	}
	return e.deny(fp, &Decision{
		Outcome: OutcomeDeny,
		Status:  http.StatusTooManyRequests,
		Reason:  reason,
		Message: defaultRateLimitMessage,
	}, "")
}

func (e *Engine) checkRemaining(ctx context.Context, fp *types.Fingerprint, policy *types.PolicyConfig, d *Decision) *Decision {
	for _, pair := range dimensions(fp) {
		reqMin, bwMin, err := e.store.RemainingMinimums(ctx, types.Dimension(pair[0]), pair[1])
		if err != nil {
			metrics.StoreErrors.WithLabelValues("remaining").Inc()
			e.logger.Error("remaining mirror read failed", "dimension", pair[0], "error", err)
			continue
		}
		if (reqMin != nil && *reqMin <= 0) || (bwMin != nil && *bwMin <= 0) {
			return e.deny(fp, &Decision{
				Outcome: OutcomeDeny,
				Status:  http.StatusTooManyRequests,
				Reason:  types.ReasonQuotaExhausted,
				Message: messageOr(policy.QuotaExhaustedMessage, defaultQuotaMessage),
			}, "")
		}
	}
	return nil
}

func (e *Engine) checkStreamGate(ctx context.Context, fp *types.Fingerprint, policy *types.PolicyConfig, d *Decision) *Decision {
	if fp.PlaySessionID == "" || fp.UserID == "" || policy.MaxStreams <= 0 {
		return nil
	}

	exists, err := e.store.SessionExists(ctx, fp.UserID, fp.PlaySessionID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("session_exists").Inc()
		e.logger.Error("session existence check failed", "error", err)
		return nil
	}
	if exists {
		// Continuation of an admitted session.
		return nil
	}

	count, err := e.store.CountSessions(ctx, fp.UserID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("session_count").Inc()
		e.logger.Error("session count failed", "error", err)
		return nil
	}
	if count >= policy.MaxStreams {
		return e.deny(fp, &Decision{
			Outcome: OutcomeDeny,
			Status:  http.StatusTooManyRequests,
			Reason:  types.ReasonConcurrentStreamLimit,
			Message: messageOr(policy.StreamLimitMessage, defaultStreamLimitMessage),
		}, "")
	}

	now := e.now()
	err = e.store.PutSession(ctx, fp.UserID, fp.PlaySessionID, &types.ActiveSession{
		DeviceID:   fp.DeviceID,
		DeviceName: fp.DeviceName,
		ClientName: fp.ClientName,
		ClientIP:   fp.ClientIP,
		StartedAt:  now,
		LastSeen:   now,
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("session_put").Inc()
		e.logger.Error("session admission write failed", "error", err)
	}
	return nil
}

func (e *Engine) checkWhitelist(fp *types.Fingerprint, policy *types.PolicyConfig, d *Decision) *Decision {
	if len(policy.ClientWhitelist) == 0 {
		return nil
	}

	allowed := false
	for _, name := range policy.ClientWhitelist {
		if name == fp.ClientName {
			allowed = true
			break
		}
	}
	if !allowed {
		return e.deny(fp, &Decision{
			Outcome: OutcomeDeny,
			Status:  http.StatusForbidden,
			Reason:  types.ReasonClientNotWhitelisted,
			Message: messageOr(policy.DenyMessage, defaultDenyMessage),
		}, "")
	}

	required, ok := policy.MinVersions[fp.ClientName]
	if !ok || required == "" {
		return nil
	}
	if fp.ClientVersion == "" || !identity.VersionAtLeast(fp.ClientVersion, required) {
		return e.deny(fp, &Decision{
			Outcome: OutcomeDeny,
			Status:  http.StatusForbidden,
			Reason:  types.ReasonVersionTooOld,
			Message: fmt.Sprintf(versionUpgradeFormat, fp.ClientName, required),
		}, "")
	}
	return nil
}

// deny finalises a denial: blocked telemetry plus metrics, fingerprint
// attached for the log phase.
func (e *Engine) deny(fp *types.Fingerprint, d *Decision, pattern string) *Decision {
	d.Fingerprint = fp
	metrics.DenialsTotal.WithLabelValues(d.Reason).Inc()
	e.buffers.AppendBlocked(e.blockedEntry(fp, d.Reason, pattern, d.Message))
	return d
}

func (e *Engine) blockedEntry(fp *types.Fingerprint, reason, pattern, message string) types.BlockedLogEntry {
	return types.BlockedLogEntry{
		IP:            fp.ClientIP,
		URI:           fp.URI,
		Method:        fp.Method,
		Reason:        reason,
		Pattern:       pattern,
		Message:       message,
		UserID:        fp.UserID,
		DeviceID:      fp.DeviceID,
		ClientName:    fp.ClientName,
		ClientVersion: fp.ClientVersion,
		Timestamp:     e.now(),
	}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
