package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const (
	// OpenDNSServer answers OpenDNSName with the querying address.
	OpenDNSServer = "208.67.222.222:53"
	OpenDNSName   = "myip.opendns.com"
)

// DNSSource asks a resolver that echoes the client address in an A record.
type DNSSource struct {
	server string
	name   string
	client *dns.Client
}

// NewDNSSource creates a source querying name at server ("host:port").
func NewDNSSource(server, name string) *DNSSource {
	return &DNSSource{
		server: server,
		name:   dns.Fqdn(name),
		client: &dns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
}

func (s *DNSSource) Name() string { return "dns://" + s.server + "/" + s.name }

func (s *DNSSource) Lookup(ctx context.Context) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(s.name, dns.TypeA)
	m.RecursionDesired = false

	in, _, err := s.client.ExchangeContext(ctx, m, s.server)
	if err != nil {
		return netip.Addr{}, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("query %s: %s", s.name, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A); ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("query %s: no A record in answer", s.name)
}
