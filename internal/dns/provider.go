package dns

import (
	"context"
	"net/netip"
)

// Record is the provider-side view of the managed A record.
type Record struct {
	ID      string // provider record identifier
	ZoneID  string
	Name    string // ASCII FQDN without trailing dot, e.g. "home.example.com"
	Type    string // always "A"
	Content netip.Addr
	Proxied bool
}

// Provider reads and writes the single record the agent manages. Failures
// are returned as *Error so callers can tell transient from permanent ones.
// Implementations never retry on their own.
type Provider interface {
	ReadRecord(ctx context.Context, zoneID, name string) (Record, error)
	UpdateRecord(ctx context.Context, zoneID, name string, addr netip.Addr, proxied bool) error
}
