package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
)

// fakeSource returns a fixed answer after an optional delay.
type fakeSource struct {
	name  string
	ip    string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Lookup(ctx context.Context) (netip.Addr, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		}
	}
	if f.err != nil {
		return netip.Addr{}, f.err
	}
	return netip.MustParseAddr(f.ip), nil
}

func TestMulti_FirstSuccessWins(t *testing.T) {
	slow := &fakeSource{name: "slow", ip: "9.9.9.9", delay: 2 * time.Second}
	broken := &fakeSource{name: "broken", err: errors.New("boom")}
	fast := &fakeSource{name: "fast", ip: "203.0.113.7"}

	mock := clock.NewMock()
	r := NewMulti(logr.Discard(), []Source{slow, broken, fast}, 3, WithClock(mock), WithoutShuffle())

	addr, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), addr.IP)
	assert.Equal(t, mock.Now(), addr.ObservedAt)
}

func TestMulti_AllFail(t *testing.T) {
	r := NewMulti(logr.Discard(), []Source{
		&fakeSource{name: "a", err: errors.New("refused")},
		&fakeSource{name: "b", err: errors.New("timeout")},
	}, 2)

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Contains(t, err.Error(), "a: refused")
	assert.Contains(t, err.Error(), "b: timeout")
}

func TestMulti_NoSources(t *testing.T) {
	_, err := NewMulti(logr.Discard(), nil, 1).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestMulti_SequentialStopsAtFirstSuccess(t *testing.T) {
	first := &fakeSource{name: "first", ip: "198.51.100.1"}
	second := &fakeSource{name: "second", ip: "198.51.100.2"}
	r := NewMulti(logr.Discard(), []Source{first, second}, 1, WithoutShuffle())

	addr, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", addr.IP.String())
	assert.Equal(t, int32(1), first.calls.Load())
	assert.LessOrEqual(t, second.calls.Load(), int32(1))
}

func TestMulti_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewMulti(logr.Discard(), []Source{&fakeSource{name: "slow", ip: "1.1.1.1", delay: time.Second}}, 1)

	_, err := r.Resolve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPSource_Steps(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		source  config.Source
		want    string
		wantErr bool
	}{
		{"plain", "203.0.113.7\n", config.Source{}, "203.0.113.7", false},
		{"json", `{"ip":"203.0.113.8","country":"NL"}`, config.Source{JSONKey: "ip"}, "203.0.113.8", false},
		{"json missing key", `{"addr":"203.0.113.8"}`, config.Source{JSONKey: "ip"}, "", true},
		{"strip", "Current IP Address: 203.0.113.9</body>", config.Source{StripPrefix: "Current IP Address: ", StripSuffix: "</body>"}, "203.0.113.9", false},
		{"ipv6 rejected", "2001:db8::1", config.Source{}, "", true},
		{"garbage", "<html>nope</html>", config.Source{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tt.source.URL = srv.URL
			src := NewHTTPSource(newHTTPClient(logr.Discard()), tt.source)
			addr, err := src.Lookup(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestHTTPSource_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewHTTPSource(newHTTPClient(logr.Discard()), config.Source{URL: srv.URL})
	_, err := src.Lookup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNew_FromConfig(t *testing.T) {
	var hits sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
		_, _ = w.Write([]byte("192.0.2.44"))
	}))
	defer srv.Close()

	r := New(logr.Discard(), config.Resolver{
		Concurrent: 2,
		Sources:    []config.Source{{URL: srv.URL + "/a"}, {URL: srv.URL + "/b"}},
	})
	require.Len(t, r.sources, 2)

	addr, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.44", addr.IP.String())

	withDefaults := New(logr.Discard(), config.Resolver{Concurrent: 1, DNS: true})
	assert.Len(t, withDefaults.sources, len(DefaultSources)+1)
}

func TestDNSSource(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			if req.Question[0].Name == "myip.opendns.com." {
				rr, _ := dns.NewRR("myip.opendns.com. 0 IN A 203.0.113.77")
				m.Answer = append(m.Answer, rr)
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	defer func() { _ = srv.Shutdown() }()

	addr, err := NewDNSSource(pc.LocalAddr().String(), OpenDNSName).Lookup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.77", addr.String())

	_, err = NewDNSSource(pc.LocalAddr().String(), "other.example.com").Lookup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}
