// Package ipaddr normalises client addresses.
package ipaddr

import (
	"net/netip"
	"strings"
)

// IsIPv4 reports whether s is a dotted-quad IPv4 literal.
func IsIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// Normalize trims s and strips an IPv4-mapped IPv6 prefix ("::ffff:203.0.113.5" becomes "203.0.113.5").
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is4In6() {
		return addr.Unmap().String()
	}
	return strings.TrimPrefix(s, "::ffff:")
}
