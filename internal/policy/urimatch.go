package policy

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/uhdlab/embygate/pkg/types"
)

// regexCache memoises compiled rule patterns. Rules arrive from the control
// plane and repeat across snapshots, so compilation is effectively one-time.
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	logger   *slog.Logger
}

func newRegexCache(logger *slog.Logger) *regexCache {
	return &regexCache{
		compiled: make(map[string]*regexp.Regexp),
		logger:   logger,
	}
}

// get returns the case-insensitive regexp for pattern, or nil when the
// pattern does not compile (the rule is then skipped).
func (c *regexCache) get(pattern string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.compiled[pattern]; ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		c.logger.Warn("invalid uri rule pattern ignored", "pattern", pattern, "error", err)
		re = nil
	}
	c.compiled[pattern] = re
	return re
}

// matchURI applies one rule to a request path. Regex is case-insensitive,
// prefix is byte-prefix, exact is full-string.
func (c *regexCache) matchURI(rule types.URIRule, path string) bool {
	switch rule.MatchType {
	case types.MatchPrefix:
		return strings.HasPrefix(path, rule.Pattern)
	case types.MatchExact:
		return path == rule.Pattern
	case types.MatchRegex:
		re := c.get(rule.Pattern)
		return re != nil && re.MatchString(path)
	default:
		return false
	}
}

// firstMatch returns the first matching rule's pattern, if any.
func (c *regexCache) firstMatch(rules []types.URIRule, path string) (string, bool) {
	for _, rule := range rules {
		if c.matchURI(rule, path) {
			return rule.Pattern, true
		}
	}
	return "", false
}
