package resolver

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
)

// Dynamic follows configuration reloads: it rebuilds its sources whenever
// the resolver section returned by current changes.
type Dynamic struct {
	log     logr.Logger
	current func() config.Resolver
	opts    []Option

	mu    sync.Mutex
	cfg   config.Resolver
	multi *Multi
}

// NewDynamic returns a resolver that reads its settings from current on
// every call.
func NewDynamic(log logr.Logger, current func() config.Resolver, opts ...Option) *Dynamic {
	return &Dynamic{log: log, current: current, opts: opts}
}

// Resolve implements Resolver.
func (d *Dynamic) Resolve(ctx context.Context) (Address, error) {
	return d.resolver().Resolve(ctx)
}

func (d *Dynamic) resolver() *Multi {
	cfg := d.current()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.multi == nil || !cmp.Equal(cfg, d.cfg) {
		if d.multi != nil {
			d.log.Info("resolver settings changed, rebuilding sources")
		}
		d.multi = New(d.log, cfg, d.opts...)
		d.cfg = cfg
	}
	return d.multi
}
