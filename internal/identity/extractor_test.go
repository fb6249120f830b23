package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/emby/Items", nil)
	r.Header.Set("X-Emby-Authorization",
		`MediaBrowser Client="Infuse", Device="Living Room TV", DeviceId="dev-42", Version="7.8.1", Token="abc123", UserId="u-9"`)
	r.RemoteAddr = "203.0.113.5:51234"

	fp := Extract(r)
	require.Equal(t, "Infuse", fp.ClientName)
	require.Equal(t, "Living Room TV", fp.DeviceName)
	require.Equal(t, "dev-42", fp.DeviceID)
	require.Equal(t, "7.8.1", fp.ClientVersion)
	require.Equal(t, "abc123", fp.Token)
	require.Equal(t, "u-9", fp.UserID)
	require.Equal(t, "203.0.113.5", fp.ClientIP)
	require.Equal(t, "/emby/Items", fp.URI)
	require.Equal(t, "GET", fp.Method)
}

func TestExtractSourcePrecedence(t *testing.T) {
	t.Run("token header beats auth pair and query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x?api_key=from-query", nil)
		r.Header.Set("X-Emby-Token", "from-header")
		r.Header.Set("X-Emby-Authorization", `MediaBrowser Token="from-auth"`)
		require.Equal(t, "from-header", Extract(r).Token)
	})

	t.Run("auth token beats query when header absent", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x?api_key=from-query", nil)
		r.Header.Set("X-Emby-Authorization", `MediaBrowser Token="from-auth"`)
		require.Equal(t, "from-auth", Extract(r).Token)
	})

	t.Run("api_key query as last resort", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x?api_key=from-query", nil)
		require.Equal(t, "from-query", Extract(r).Token)
	})

	t.Run("client falls back to user agent product", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.Header.Set("User-Agent", "Fileball/1.3.8 CFNetwork/1410.0.3")
		fp := Extract(r)
		require.Equal(t, "Fileball", fp.ClientName)
		require.Equal(t, "1.3.8", fp.ClientVersion)
	})

	t.Run("two part user agent version", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.Header.Set("User-Agent", "VidHub/2.1")
		require.Equal(t, "2.1", Extract(r).ClientVersion)
	})
}

func TestExtractClientIP(t *testing.T) {
	t.Run("x-real-ip wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.Header.Set("X-Real-IP", "198.51.100.7")
		r.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
		require.Equal(t, "198.51.100.7", Extract(r).ClientIP)
	})

	t.Run("first forwarded hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.Header.Set("X-Forwarded-For", " 192.0.2.1 , 10.0.0.1")
		require.Equal(t, "192.0.2.1", Extract(r).ClientIP)
	})

	t.Run("remote addr fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "[2001:db8::1]:443"
		require.Equal(t, "2001:db8::1", Extract(r).ClientIP)
	})
}

func TestExtractQueryFallbacks(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?deviceId=lower-dev&userId=lower-user&playSessionId=ps-1", nil)
	fp := Extract(r)
	require.Equal(t, "lower-dev", fp.DeviceID)
	require.Equal(t, "lower-user", fp.UserID)
	require.Equal(t, "ps-1", fp.PlaySessionID)
}

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		current, required string
		want              bool
	}{
		{"1.10.0", "1.9.9", true},
		{"1.9.9", "1.10.0", false},
		{"2.0", "2.0.0", true},
		{"2.0.1", "2.0", true},
		{"7.8.1", "7.8.1", true},
		{"7.8", "7.8.1", false},
		{"v3.2.1-beta", "3.2.1", true},
		{"", "1.0", false},
		{"1.0", "", false},
		{"not a version", "1.0", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, VersionAtLeast(tc.current, tc.required),
			"current=%q required=%q", tc.current, tc.required)
	}
}
