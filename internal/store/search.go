package store

import (
	"regexp"
	"strings"
)

// Search input passes through an allowlist, never bind parameters: the
// predicate spans every column and the value must embed as a LIKE literal.
var (
	sqlKeywordRe = regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|CREATE|EXEC|UNION)\b`)
	allowedRe    = regexp.MustCompile(`^[\w\s.,\-:/'"()]+$`)
)

// SanitizeSearch validates a user-typed search string and returns it escaped
// for literal use inside a single-quoted LIKE pattern with ESCAPE '\'.
// Rejected input reports ok=false; callers fall back to an unfiltered query.
func SanitizeSearch(s string) (escaped string, ok bool) {
	if s == "" {
		return "", false
	}
	if sqlKeywordRe.MatchString(s) {
		return "", false
	}
	if strings.Contains(s, "--") || strings.Contains(s, ";") {
		return "", false
	}
	if !allowedRe.MatchString(s) {
		return "", false
	}
	r := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
		`'`, `''`,
	)
	return r.Replace(s), true
}
