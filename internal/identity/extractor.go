// Package identity reconstructs (token, user, device) bindings from the
// heterogeneous header and query shapes Emby/Jellyfin clients send.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/uhdlab/embygate/pkg/types"
)

// authPairPattern matches the Key="value" pairs inside X-Emby-Authorization
// style headers, e.g. `MediaBrowser Client="Infuse", DeviceId="abc"`.
var authPairPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// source yields one candidate value for a fingerprint field.
type source func(r *http.Request) string

// Extract derives the request fingerprint. Each field tries its sources in
// order; the first non-empty value wins. UserID and DeviceID may later be
// back-filled by the Resolver.
func Extract(r *http.Request) *types.Fingerprint {
	return &types.Fingerprint{
		ClientIP:      clientIP(r),
		ClientName:    firstNonEmpty(r, authParam("Client"), header("X-Emby-Client"), query("X-Emby-Client"), userAgentName),
		ClientVersion: firstNonEmpty(r, authParam("Version"), header("X-Emby-Client-Version"), query("X-Emby-Client-Version"), userAgentVersion),
		DeviceID:      firstNonEmpty(r, authParam("DeviceId"), query("DeviceId"), query("deviceId")),
		DeviceName:    firstNonEmpty(r, authParam("Device")),
		UserID:        firstNonEmpty(r, authParam("UserId"), query("UserId"), query("userId")),
		Token:         firstNonEmpty(r, header("X-Emby-Token"), authParam("Token"), query("X-Emby-Token"), query("api_key")),
		PlaySessionID: firstNonEmpty(r, query("PlaySessionId"), query("playSessionId")),
		URI:           r.URL.Path,
		Method:        r.Method,
		UserAgent:     r.UserAgent(),
	}
}

func firstNonEmpty(r *http.Request, sources ...source) string {
	for _, src := range sources {
		if v := src(r); v != "" {
			return v
		}
	}
	return ""
}

// authParam reads a quoted pair from X-Emby-Authorization, falling back to
// the plain Authorization header some clients use.
func authParam(key string) source {
	return func(r *http.Request) string {
		for _, name := range []string{"X-Emby-Authorization", "Authorization"} {
			raw := r.Header.Get(name)
			if raw == "" {
				continue
			}
			for _, match := range authPairPattern.FindAllStringSubmatch(raw, -1) {
				if match[1] == key {
					return match[2]
				}
			}
		}
		return ""
	}
}

func header(name string) source {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// query values arrive URL-encoded; URL.Query() decodes them.
func query(name string) source {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// userAgentName takes the product token before the first slash,
// e.g. "Infuse" from "Infuse/7.8.1 CFNetwork".
func userAgentName(r *http.Request) string {
	ua := r.UserAgent()
	if ua == "" {
		return ""
	}
	name, _, found := strings.Cut(ua, "/")
	if !found {
		return ""
	}
	return strings.TrimSpace(name)
}

var (
	uaVersion3 = regexp.MustCompile(`\d+\.\d+\.\d+`)
	uaVersion2 = regexp.MustCompile(`\d+\.\d+`)
)

// userAgentVersion extracts a numeric version from the User-Agent, trying
// N.N.N before N.N.
func userAgentVersion(r *http.Request) string {
	ua := r.UserAgent()
	if ua == "" {
		return ""
	}
	if v := uaVersion3.FindString(ua); v != "" {
		return v
	}
	return uaVersion2.FindString(ua)
}

// clientIP prefers X-Real-IP, then the first X-Forwarded-For hop, then the
// connection peer.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
