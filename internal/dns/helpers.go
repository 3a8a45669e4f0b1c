package dns

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseIPv4 parses the content of an A record.
// e.g. "203.0.113.7" → 203.0.113.7
// e.g. "::ffff:203.0.113.7" → 203.0.113.7
func ParseIPv4(content string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(content))
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", addr)
	}
	return addr, nil
}

// SameName compares two record names ignoring case and a trailing dot.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
