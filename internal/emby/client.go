// Package emby is the optional upstream API client used by the token
// resolve loop to learn device-to-user bindings from active sessions.
package emby

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Client queries the media server's management API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. timeout <= 0 defaults to 5 seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether API credentials are configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// Session is the subset of the upstream session object the gateway uses.
type Session struct {
	UserID             string `json:"UserId"`
	UserName           string `json:"UserName"`
	DeviceID           string `json:"DeviceId"`
	DeviceName         string `json:"DeviceName"`
	Client             string `json:"Client"`
	ApplicationVersion string `json:"ApplicationVersion"`
}

// Sessions lists the media server's current sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/emby/Sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("build sessions request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get sessions: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read sessions response: %w", err)
	}

	var sessions []Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}
