package observability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactEmbyToken(t *testing.T) {
	r := NewRedactor()
	in := "lookup failed for token a3f9c2e18b4d5a6f7c8e9d0b1a2f3e4c"
	require.Equal(t, "lookup failed for token [REDACTED_TOKEN]", r.Redact(in))
}

func TestRedactAuthHeaderToken(t *testing.T) {
	r := NewRedactor()
	in := `header X-Emby-Authorization: MediaBrowser Client="Infuse", Token="SECRETVALUE"`
	out := r.Redact(in)
	require.NotContains(t, out, "SECRETVALUE")
	require.Contains(t, out, `Token="[REDACTED]"`)
}

func TestRedactQueryParams(t *testing.T) {
	r := NewRedactor()
	require.Equal(t, "/emby/Items?api_key=[REDACTED]", r.Redact("/emby/Items?api_key=supersecret"))
	require.Equal(t, "X-Emby-Token=[REDACTED]&foo=1", r.Redact("X-Emby-Token=sek&foo=1"))
}

func TestRedactAppToken(t *testing.T) {
	r := NewRedactor()
	require.Equal(t, "Authorization: App [REDACTED]", r.Redact("Authorization: App my-app-token.v2"))
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	r := NewRedactor()
	in := "request /emby/Items from 203.0.113.5 status 200"
	require.Equal(t, in, r.Redact(in))
}

func TestAddPatternIgnoresInvalidRegex(t *testing.T) {
	r := NewRedactor()
	before := len(r.patterns)
	r.AddPattern("[unclosed", "x", "bad")
	require.Len(t, r.patterns, before)
}
