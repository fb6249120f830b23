package observability

import (
	"regexp"
)

// Redactor masks media-server access tokens and control-plane credentials
// before they reach the logs.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// Emby/Jellyfin access tokens are 32 hex chars.
	r.AddPattern(`\b[a-f0-9]{32}\b`, "[REDACTED_TOKEN]", "emby_token")

	// Token pairs inside X-Emby-Authorization headers.
	r.AddPattern(`Token="[^"]*"`, `Token="[REDACTED]"`, "auth_header_token")

	// api_key / X-Emby-Token query parameters.
	r.AddPattern(`(api_key|X-Emby-Token)=[^&\s"]+`, "$1=[REDACTED]", "token_query")

	// Control-plane app tokens.
	r.AddPattern(`App\s+[a-zA-Z0-9\-_\.]+`, "App [REDACTED]", "app_token")
}

// AddPattern adds a custom redaction pattern. Invalid patterns are ignored.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}
