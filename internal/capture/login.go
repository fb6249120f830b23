// Package capture learns token-to-user bindings by reading authentication
// response bodies inline. The response bytes are never altered; malformed
// payloads are logged and ignored.
package capture

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/uhdlab/embygate/internal/identity"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/pkg/types"
)

// maxLoginBodyBytes caps accumulation; authentication responses are small
// and anything larger is not one.
const maxLoginBodyBytes = 1 << 20

var loginPathPattern = regexp.MustCompile(`(?i)^(/emby)?/Users/(AuthenticateByName|AuthenticateWithQuickConnect)$`)

// Capture persists bindings extracted from successful login responses.
type Capture struct {
	store    *store.Store
	resolver *identity.Resolver
	logger   *slog.Logger

	now func() time.Time
}

// New creates a login capture bound to the shared store.
func New(st *store.Store, resolver *identity.Resolver, logger *slog.Logger) *Capture {
	return &Capture{store: st, resolver: resolver, logger: logger, now: time.Now}
}

// IsLoginRequest reports whether a request targets an authentication
// endpoint worth capturing.
func IsLoginRequest(r *http.Request) bool {
	return r.Method == http.MethodPost && loginPathPattern.MatchString(r.URL.Path)
}

// Attach wraps the response body for capture. Header phase: non-200
// responses are left untouched. Body phase: chunks accumulate as they
// stream to the client and the concatenated body is decoded at EOF.
func (c *Capture) Attach(resp *http.Response, fp *types.Fingerprint) {
	if resp.StatusCode != http.StatusOK || resp.Body == nil {
		return
	}

	resp.Body = &captureBody{
		inner: resp.Body,
		max:   maxLoginBodyBytes,
		done: func(body []byte) {
			c.processBody(body, fp)
		},
	}
}

// loginResponse is the subset of the authentication payload the gateway
// cares about.
type loginResponse struct {
	AccessToken string `json:"AccessToken"`
	User        struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		Policy struct {
			IsAdministrator bool `json:"IsAdministrator"`
		} `json:"Policy"`
	} `json:"User"`
	SessionInfo struct {
		DeviceID           string `json:"DeviceId"`
		DeviceName         string `json:"DeviceName"`
		Client             string `json:"Client"`
		ApplicationVersion string `json:"ApplicationVersion"`
	} `json:"SessionInfo"`
}

func (c *Capture) processBody(body []byte, fp *types.Fingerprint) {
	var login loginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		c.logger.Warn("login response not decodable, binding skipped", "error", err)
		return
	}
	if login.AccessToken == "" || login.User.ID == "" {
		return
	}

	mapping := &types.TokenMapping{
		UserID:        login.User.ID,
		Username:      login.User.Name,
		DeviceID:      firstOf(login.SessionInfo.DeviceID, fp.DeviceID),
		DeviceName:    firstOf(login.SessionInfo.DeviceName, fp.DeviceName),
		ClientName:    firstOf(login.SessionInfo.Client, fp.ClientName),
		ClientVersion: firstOf(login.SessionInfo.ApplicationVersion, fp.ClientVersion),
		ClientIP:      fp.ClientIP,
		LoginTime:     c.now(),
		IsAdmin:       login.User.Policy.IsAdministrator,
	}

	ctx := context.Background()
	if err := c.store.PutTokenMapping(ctx, login.AccessToken, mapping); err != nil {
		c.logger.Error("token mapping persist failed", "error", err)
		return
	}
	if c.resolver != nil {
		c.resolver.Invalidate(login.AccessToken)
	}

	report := &types.TokenReport{
		EventType:     "login",
		EmbyUserID:    mapping.UserID,
		EmbyUsername:  mapping.Username,
		DeviceID:      mapping.DeviceID,
		DeviceName:    mapping.DeviceName,
		ClientName:    mapping.ClientName,
		ClientVersion: mapping.ClientVersion,
		ClientIP:      mapping.ClientIP,
		Success:       true,
		Timestamp:     c.now(),
	}
	if err := c.store.QueueTokenReport(ctx, report); err != nil {
		c.logger.Error("token report queue failed", "error", err)
	}

	c.logger.Info("login binding captured",
		"user_id", mapping.UserID,
		"client", mapping.ClientName,
		"device", mapping.DeviceName,
	)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// captureBody tees the streamed response into a bounded buffer and invokes
// done exactly once when the upstream signals EOF. A close before EOF
// (client disconnect) discards the partial body.
type captureBody struct {
	inner io.ReadCloser
	buf   []byte
	max   int
	done  func([]byte)
	fired bool
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if n > 0 && len(b.buf) < b.max {
		room := b.max - len(b.buf)
		if n < room {
			room = n
		}
		b.buf = append(b.buf, p[:room]...)
	}
	if err == io.EOF {
		b.fire()
	}
	return n, err
}

func (b *captureBody) Close() error {
	return b.inner.Close()
}

func (b *captureBody) fire() {
	if b.fired || b.done == nil {
		return
	}
	b.fired = true
	b.done(b.buf)
}
