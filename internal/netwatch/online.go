package netwatch

import (
	"context"
	"net"
	"time"
)

// DefaultProbeAddrs are well-known anycast DNS resolvers.
var DefaultProbeAddrs = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Online reports whether a TCP connection to any of addrs can be opened.
// With no addrs, DefaultProbeAddrs are used.
func Online(ctx context.Context, addrs ...string) bool {
	if len(addrs) == 0 {
		addrs = DefaultProbeAddrs
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}
