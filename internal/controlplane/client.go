// Package controlplane is the typed HTTP client for the central admin API.
// Every call carries the App token, the slave User-Agent and a 10-second
// deadline.
package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/uhdlab/embygate/pkg/types"
)

// AgentVersion is reported in the User-Agent and heartbeat payloads.
const AgentVersion = "1.4.0"

const (
	slaveBasePath = "/api/v1/media-slave"
	// Telemetry endpoints live under the sibling slave prefix; the paths
	// are encoded canonically rather than with dot-segments.
	telemetryBasePath = "/api/v1/slave/telemetry"
)

// Client talks to the control plane.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
}

// New creates a client. timeout <= 0 defaults to 10 seconds.
func New(baseURL, appToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		appToken: appToken,
		http:     &http.Client{Timeout: timeout},
	}
}

// VersionInfo is the /config/version response payload.
type VersionInfo struct {
	Version    int64  `json:"version"`
	HasUpdate  bool   `json:"has_update"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ConfigPayload is the /config response. Fields are pointers so the agent
// can distinguish "absent" from "zero" and apply only what is present.
type ConfigPayload struct {
	Version         *int64                 `json:"version,omitempty"`
	ServiceType     *string                `json:"service_type,omitempty"`
	LuaConfig       *types.PolicyConfig    `json:"lua_config,omitempty"`
	RateLimitConfig *types.RateLimitConfig `json:"rate_limit_config,omitempty"`
}

// RateLimits is the /rate-limits response payload.
type RateLimits struct {
	Rules        []types.RateLimitRule `json:"rules"`
	Enforcements []types.Enforcement   `json:"enforcements"`
}

// QuotaSyncResult is the quota-sync response payload.
type QuotaSyncResult struct {
	Remaining    []types.RemainingEntry `json:"remaining"`
	Enforcements []types.Enforcement    `json:"enforcements"`
}

// HeartbeatRequest is the agent liveness report.
type HeartbeatRequest struct {
	AgentVersion         string         `json:"agent_version"`
	CurrentConfigVersion int64          `json:"current_config_version"`
	Status               string         `json:"status"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// ConfigVersion polls the remote snapshot version.
func (c *Client) ConfigVersion(ctx context.Context) (*VersionInfo, error) {
	var out VersionInfo
	if err := c.get(ctx, slaveBasePath+"/config/version", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config fetches the full policy snapshot.
func (c *Client) Config(ctx context.Context) (*ConfigPayload, error) {
	var out ConfigPayload
	if err := c.get(ctx, slaveBasePath+"/config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack confirms a snapshot application.
func (c *Client) Ack(ctx context.Context, snapshotID, status string) error {
	body := map[string]string{"snapshot_id": snapshotID, "status": status}
	return c.post(ctx, slaveBasePath+"/ack", body, nil)
}

// Heartbeat reports liveness and queue depths.
func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) error {
	return c.post(ctx, slaveBasePath+"/heartbeat", req, nil)
}

// RateLimits refreshes rules and enforcements out-of-band.
func (c *Client) RateLimits(ctx context.Context) (*RateLimits, error) {
	var out RateLimits
	if err := c.get(ctx, slaveBasePath+"/rate-limits", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushAccessLogs uploads a telemetry batch.
func (c *Client) PushAccessLogs(ctx context.Context, entries []types.AccessLogEntry) error {
	return c.post(ctx, telemetryBasePath+"/access-logs", map[string]any{"entries": entries}, nil)
}

// PushBlockedRequests uploads a blocked-event batch.
func (c *Client) PushBlockedRequests(ctx context.Context, entries []types.BlockedLogEntry) error {
	return c.post(ctx, telemetryBasePath+"/blocked-requests", map[string]any{"entries": entries}, nil)
}

// PushLoginEvent reports one captured login.
func (c *Client) PushLoginEvent(ctx context.Context, report *types.TokenReport) error {
	return c.post(ctx, telemetryBasePath+"/login", report, nil)
}

// SyncQuota uploads absolute counters and returns the central remaining
// capacities plus the current enforcement set. Idempotent across retries.
func (c *Client) SyncQuota(ctx context.Context, counters []types.QuotaCounter) (*QuotaSyncResult, error) {
	var out QuotaSyncResult
	if err := c.post(ctx, telemetryBasePath+"/quota-sync", map[string]any{"counters": counters}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushSessions posts the realtime session snapshot. Empty snapshots are
// still sent so the control plane can clear stale central state.
func (c *Client) PushSessions(ctx context.Context, sessions []types.SessionSnapshot) error {
	if sessions == nil {
		sessions = []types.SessionSnapshot{}
	}
	return c.post(ctx, telemetryBasePath+"/realtime/heartbeat", map[string]any{"sessions": sessions}, nil)
}

// envelope is the {data: ...} wrapper the control plane uses on reads.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "App "+c.appToken)
	req.Header.Set("User-Agent", "UHDSlave/"+AgentVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s envelope: %w", path, err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
