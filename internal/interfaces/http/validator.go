package http

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation constants
const (
	MaxTenantIDLength = 64
	MaxMessageLength  = 10000
)

var tenantIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidTenantID checks if a tenant id is safe (alphanumeric + underscore + hyphen)
func ValidTenantID(s string) bool {
	if s == "" || len(s) > MaxTenantIDLength {
		return false
	}
	return tenantIDRe.MatchString(s)
}

// SanitizeString removes null bytes and invalid UTF-8. Inbound message
// text otherwise passes through untouched.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")

	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// TruncateString truncates a string to at most maxLen bytes without
// splitting a multi-byte rune.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
