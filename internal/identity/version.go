package identity

import (
	"regexp"
	"strconv"
)

var versionComponentPattern = regexp.MustCompile(`\d+`)

// VersionAtLeast reports whether current >= required. Each version is the
// sequence of its decimal components (non-digits are separators), the
// shorter padded with zeros, compared element-wise. "1.10.0" >= "1.9.9".
// Missing inputs compare false.
func VersionAtLeast(current, required string) bool {
	cur := versionComponentPattern.FindAllString(current, -1)
	req := versionComponentPattern.FindAllString(required, -1)
	if len(cur) == 0 || len(req) == 0 {
		return false
	}

	n := len(cur)
	if len(req) > n {
		n = len(req)
	}
	for i := 0; i < n; i++ {
		c := componentAt(cur, i)
		r := componentAt(req, i)
		if c != r {
			return c > r
		}
	}
	return true
}

func componentAt(parts []string, i int) int64 {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.ParseInt(parts[i], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
