// Package hostname cleans client-supplied DHCP hostnames (option 12) before
// they are logged, journalled or exported as CSV. Clients send control
// characters, emoji, spaces and placeholder names; what comes out is a
// lowercase DNS label or the empty string.
package hostname

import (
	"regexp"
	"strings"
)

// MaxLength is the DNS label limit.
const MaxLength = 63

// placeholders are names that identify nothing and are dropped.
var placeholders = regexp.MustCompile(`(?i)^(localhost|localhost\.localdomain|android-[a-f0-9]{12,}|galaxy-[a-f0-9]+|host|dhcp|unknown|none|null|test|default|\*|_)$`)

// Sanitise returns the cleaned hostname, or "" when nothing usable is left.
func Sanitise(raw string) string {
	h := keepDNSChars(raw)
	h = strings.ToLower(h)
	h = strings.Trim(h, ".-")
	h = collapseRepeated(h)

	if len(h) > MaxLength {
		h = strings.TrimRight(h[:MaxLength], ".-")
	}
	if placeholders.MatchString(h) {
		return ""
	}
	return h
}

// keepDNSChars drops every byte that is not valid in a DNS label
// (RFC 952/1123): letters, digits, hyphen and dot survive. Control
// characters and multi-byte runes such as emoji are removed with it.
func keepDNSChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '.' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// collapseRepeated collapses runs of dots or hyphens into one.
func collapseRepeated(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c == '.' || c == '-') && c == prev {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}
