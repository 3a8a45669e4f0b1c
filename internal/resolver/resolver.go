// Package resolver discovers the host's public IPv4 address by asking
// several independent "what is my IP" services and taking the first valid
// answer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
)

// ErrNoAddress is returned when every source failed.
var ErrNoAddress = errors.New("no source returned a public address")

// Address is a resolved public address and when it was observed.
type Address struct {
	IP         netip.Addr
	ObservedAt time.Time
}

// Resolver determines the current public address.
type Resolver interface {
	Resolve(ctx context.Context) (Address, error)
}

// Source is a single way of learning the public address.
type Source interface {
	Name() string
	Lookup(ctx context.Context) (netip.Addr, error)
}

// Multi queries its sources concurrently and returns the first success.
// It holds no state between calls.
type Multi struct {
	log         logr.Logger
	sources     []Source
	concurrency int
	clock       clock.Clock
	shuffle     bool
}

// Option customizes a Multi resolver.
type Option func(*Multi)

// WithClock sets the clock used to stamp results.
func WithClock(c clock.Clock) Option {
	return func(m *Multi) { m.clock = c }
}

// WithoutShuffle queries sources in configuration order.
func WithoutShuffle() Option {
	return func(m *Multi) { m.shuffle = false }
}

// NewMulti builds a resolver over explicit sources.
func NewMulti(log logr.Logger, sources []Source, concurrency int, opts ...Option) *Multi {
	if concurrency < 1 {
		concurrency = 1
	}
	m := &Multi{
		log:         log,
		sources:     sources,
		concurrency: concurrency,
		clock:       clock.New(),
		shuffle:     true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// New builds a resolver from configuration. When no HTTP sources are
// configured the built-in list is used.
func New(log logr.Logger, cfg config.Resolver, opts ...Option) *Multi {
	client := newHTTPClient(log)

	configured := cfg.Sources
	if len(configured) == 0 {
		configured = DefaultSources
	}
	sources := make([]Source, 0, len(configured)+1)
	for _, s := range configured {
		sources = append(sources, NewHTTPSource(client, s))
	}
	if cfg.DNS {
		sources = append(sources, NewDNSSource(OpenDNSServer, OpenDNSName))
	}
	return NewMulti(log, sources, cfg.Concurrent, opts...)
}

type lookupResult struct {
	source string
	ip     netip.Addr
	err    error
}

// Resolve returns the first address any source reports. Outstanding
// lookups are cancelled once an answer is found.
func (m *Multi) Resolve(ctx context.Context) (Address, error) {
	if len(m.sources) == 0 {
		return Address{}, fmt.Errorf("resolver: %w: no sources configured", ErrNoAddress)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := make([]Source, len(m.sources))
	copy(order, m.sources)
	if m.shuffle {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	results := make(chan lookupResult, len(order))
	go func() {
		var g errgroup.Group
		g.SetLimit(m.concurrency)
		for _, s := range order {
			g.Go(func() error {
				if ctx.Err() != nil {
					results <- lookupResult{source: s.Name(), err: ctx.Err()}
					return nil
				}
				ip, err := s.Lookup(ctx)
				results <- lookupResult{source: s.Name(), ip: ip, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var errs []error
	for res := range results {
		if res.err != nil {
			m.log.V(1).Info("address source failed", "source", res.source, "error", res.err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", res.source, res.err))
			continue
		}
		m.log.V(1).Info("address resolved", "source", res.source, "address", res.ip.String())
		return Address{IP: res.ip, ObservedAt: m.clock.Now()}, nil
	}
	if err := ctx.Err(); err != nil {
		return Address{}, fmt.Errorf("resolver: %w", err)
	}
	return Address{}, fmt.Errorf("resolver: %w: %w", ErrNoAddress, errors.Join(errs...))
}
