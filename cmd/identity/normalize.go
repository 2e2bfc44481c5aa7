package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeQuery canonicalizes a free-text search term for substring matching.
func NormalizeQuery(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ContainsFold reports whether term (already normalized) occurs in s, ignoring case.
func ContainsFold(s, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), term)
}
