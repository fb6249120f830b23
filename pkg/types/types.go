// Package types defines the shared data model of the gateway: request
// fingerprints, policy snapshots, store records and telemetry entries.
package types

import "time"

// Dimension identifies the axis a rule, quota or enforcement applies to.
type Dimension string

const (
	DimensionIP     Dimension = "ip"
	DimensionUser   Dimension = "user"
	DimensionDevice Dimension = "device"
	DimensionGlobal Dimension = "global"
)

// Period identifies a quota accounting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Action is what an enforcement directive or over-limit rule does.
type Action string

const (
	ActionReject   Action = "reject"
	ActionThrottle Action = "throttle"
)

// MatchType selects the URI rule matching semantics.
type MatchType string

const (
	MatchRegex  MatchType = "regex"
	MatchPrefix MatchType = "prefix"
	MatchExact  MatchType = "exact"
)

// URIRule is one entry of the skip or block list. First match wins.
type URIRule struct {
	Pattern   string    `json:"pattern"`
	MatchType MatchType `json:"match_type"`
}

// RateLimitRule is evaluated in declaration order; all applicable rules are
// checked, not first-match.
type RateLimitRule struct {
	ID              string    `json:"id"`
	ApplyTo         Dimension `json:"apply_to"`
	ApplyValue      *string   `json:"apply_value"` // nil or "*" matches any value
	RatePerSecond   int       `json:"rate_per_second,omitempty"`
	RateBurst       int       `json:"rate_burst,omitempty"`
	RatePerMinute   int       `json:"rate_per_minute,omitempty"`
	OverAction      Action    `json:"over_action"`
	ThrottleRateBPS int64     `json:"throttle_rate_bps,omitempty"`
}

// Enforcement is a control-plane-issued directive to reject or throttle one
// (dimension, value) pair for a time window.
type Enforcement struct {
	Dimension       Dimension `json:"dimension"`
	DimensionValue  string    `json:"dimension_value"`
	Action          Action    `json:"action"`
	Reason          string    `json:"reason,omitempty"`
	ThrottleRateBPS int64     `json:"throttle_rate_bps,omitempty"`
	EffectiveUntil  string    `json:"effective_until,omitempty"` // RFC 3339
}

// PolicyConfig is the "lua_config" payload of a snapshot: URI rules, client
// whitelist, stream caps and interception settings.
type PolicyConfig struct {
	SkipList  []URIRule `json:"skip_list,omitempty"`
	BlockList []URIRule `json:"block_list,omitempty"`

	BlockMessage string `json:"block_message,omitempty"`

	ClientWhitelist []string          `json:"client_whitelist,omitempty"`
	MinVersions     map[string]string `json:"min_versions,omitempty"`
	DenyMessage     string            `json:"deny_message,omitempty"`

	MaxStreams         int    `json:"max_streams,omitempty"`
	StreamLimitMessage string `json:"stream_limit_message,omitempty"`

	QuotaExhaustedMessage string `json:"quota_exhausted_message,omitempty"`

	FakeCountsEnabled bool `json:"fake_counts_enabled,omitempty"`
	FakeCountsValue   int  `json:"fake_counts_value,omitempty"`
}

// RateLimitConfig carries the rule list plus the current enforcement set.
type RateLimitConfig struct {
	Rules        []RateLimitRule `json:"rules,omitempty"`
	Enforcements []Enforcement   `json:"enforcements,omitempty"`
}

// Snapshot is a versioned, atomically replaced bundle of policy
// configuration. Readers see either the old or the new snapshot in full.
type Snapshot struct {
	Version     int64           `json:"version"`
	ServiceType string          `json:"service_type,omitempty"`
	Policy      PolicyConfig    `json:"lua_config"`
	RateLimit   RateLimitConfig `json:"rate_limit_config"`
}

// Fingerprint is the identity tuple extracted from a single request.
// UserID and DeviceID may be back-filled by identity resolution.
type Fingerprint struct {
	ClientIP      string `json:"client_ip"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	Token         string `json:"-"`
	PlaySessionID string `json:"play_session_id,omitempty"`
	URI           string `json:"uri"`
	Method        string `json:"method"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// TokenMapping binds an access token to the user and device that obtained
// it. Invariant: UserID is non-empty whenever the record exists.
type TokenMapping struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	LoginTime     time.Time `json:"login_time"`
	IsAdmin       bool      `json:"is_admin,omitempty"`
}

// DeviceUser is the device-to-user fallback binding learned from upstream
// session polling.
type DeviceUser struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	ResolvedFrom  string `json:"resolved_from,omitempty"`
}

// ActiveSession tracks one playback attempt. Natural expiry (90s sliding
// TTL) marks session end.
type ActiveSession struct {
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	ClientName string    `json:"client_name,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
	BytesSent  int64     `json:"bytes_sent"`
}

// AccessLogEntry is one telemetry record emitted in the log phase.
type AccessLogEntry struct {
	IP            string    `json:"ip"`
	URI           string    `json:"uri"`
	Method        string    `json:"method"`
	Status        int       `json:"status"`
	BytesSent     int64     `json:"bytes_sent"`
	RequestTime   float64   `json:"request_time"`
	UpstreamTime  float64   `json:"upstream_time,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	PlaySessionID string    `json:"play_session_id,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BlockedLogEntry records a denial decision.
type BlockedLogEntry struct {
	IP            string    `json:"ip"`
	URI           string    `json:"uri"`
	Method        string    `json:"method"`
	Reason        string    `json:"reason"`
	Pattern       string    `json:"pattern,omitempty"`
	Message       string    `json:"message,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Denial reasons emitted to the blocked log.
const (
	ReasonURIBlocked            = "uri_blocked"
	ReasonEnforcementReject     = "enforcement_reject"
	ReasonRateLimitRPS          = "rate_limit_rps"
	ReasonRateLimitRPM          = "rate_limit_rpm"
	ReasonQuotaExhausted        = "quota_exhausted"
	ReasonConcurrentStreamLimit = "concurrent_stream_limit"
	ReasonClientNotWhitelisted  = "client_not_whitelisted"
	ReasonVersionTooOld         = "version_too_old"
)

// QuotaCounter is one absolute counter pair uploaded during quota sync.
type QuotaCounter struct {
	Dimension Dimension `json:"dimension"`
	Value     string    `json:"value"`
	Period    Period    `json:"period"`
	PeriodKey string    `json:"period_key"`
	Requests  int64     `json:"requests"`
	Bandwidth int64     `json:"bandwidth"`
}

// RemainingEntry is one remaining-capacity mirror value computed centrally.
type RemainingEntry struct {
	Kind      string    `json:"kind"` // "req" or "bw"
	Dimension Dimension `json:"dimension"`
	Value     string    `json:"value"`
	Period    Period    `json:"period"`
	Remaining int64     `json:"remaining"`
}

// TokenReport is a queued login event awaiting upstream reporting.
type TokenReport struct {
	EventType     string    `json:"event_type"`
	EmbyUserID    string    `json:"emby_user_id"`
	EmbyUsername  string    `json:"emby_username,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionSnapshot is one realtime session entry posted by the session
// heartbeat loop.
type SessionSnapshot struct {
	UserID        string    `json:"user_id"`
	PlaySessionID string    `json:"play_session_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastSeen      time.Time `json:"last_seen"`
	BytesSent     int64     `json:"bytes_sent"`
}

// Wildcard reports whether an apply_value matches any dimension value.
func (r RateLimitRule) Wildcard() bool {
	return r.ApplyValue == nil || *r.ApplyValue == "*"
}
