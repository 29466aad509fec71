package domain

import (
	"path"
	"strings"
)

// NormalizeAccountCode upper-cases a code and strips separators so that
// "1590-00", "1590.00" and "1590 00" compare equal.
func NormalizeAccountCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", ".", "", " ", "", "_", "", "/", "").Replace(code)
}

// MatchPattern reports whether code matches a glob pattern ("1590*",
// "21??", or a literal code). Comparison ignores case and separators.
func MatchPattern(pattern, code string) bool {
	if pattern == "" {
		return false
	}
	p := NormalizeAccountCode(pattern)
	c := NormalizeAccountCode(code)
	if p == "*" {
		return true
	}
	ok, err := path.Match(p, c)
	return err == nil && ok
}

// PatternSpecificity ranks patterns: more literal characters is more specific.
func PatternSpecificity(pattern string) int {
	n := 0
	for _, r := range NormalizeAccountCode(pattern) {
		if r != '*' && r != '?' {
			n++
		}
	}
	return n
}
