// Package engine drives reconciliation passes: it merges change events,
// debounces them, resolves the public address, compares it with the
// provider record and updates the record when they differ.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/netwatch"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/resolver"
)

// passKey is the only item ever queued. The queue collapses repeated Adds
// of one key, and an Add while the key is being processed schedules
// exactly one follow-up pass.
const passKey = "record"

// ErrOffline is reported when the connectivity probe fails.
var ErrOffline = errors.New("no internet connectivity")

// ConfigSource supplies configuration snapshots and reload notifications.
type ConfigSource interface {
	Current() *config.Config
	Events() <-chan config.ReloadEvent
}

// ProviderFactory builds a provider client for a configuration snapshot.
type ProviderFactory func(cfg *config.Config) (dns.Provider, error)

// Options wires an Engine to its collaborators. Network, Online, Clock
// and Observer are optional.
type Options struct {
	Config      ConfigSource
	Resolver    resolver.Resolver
	NewProvider ProviderFactory
	Network     netwatch.Source
	Online      func(ctx context.Context) bool
	Clock       clock.Clock
	Observer    Observer
}

// Engine is the reconciliation coordinator. The event loop in Run owns
// debouncing; a single worker goroutine owns every pass and the
// last-applied state.
type Engine struct {
	log         logr.Logger
	cfg         ConfigSource
	resolver    resolver.Resolver
	newProvider ProviderFactory
	network     netwatch.Source
	online      func(ctx context.Context) bool
	clock       clock.Clock
	observer    Observer

	queue  *workqueue.Typed[string]
	state  atomic.Int32
	resync atomic.Bool

	// Worker-owned.
	last        lastApplied
	provider    dns.Provider
	providerKey struct {
		account config.Account
		http    config.HTTP
	}
}

// New creates an Engine.
func New(log logr.Logger, opts Options) *Engine {
	e := &Engine{
		log:         log,
		cfg:         opts.Config,
		resolver:    opts.Resolver,
		newProvider: opts.NewProvider,
		network:     opts.Network,
		online:      opts.Online,
		clock:       opts.Clock,
		observer:    opts.Observer,
		queue:       workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[string]{Name: "yk-ddns"}),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.observer == nil {
		e.observer = LogObserver{Log: log}
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(to State) {
	from := State(e.state.Swap(int32(to)))
	if from != to {
		e.observer.Transition(from, to)
	}
}

// Run processes change events until ctx is done. A startup pass with an
// authoritative provider read is scheduled immediately.
func (e *Engine) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer utilruntime.HandleCrash()
		for e.processNext(ctx) {
		}
	}()

	var network <-chan struct{}
	if e.network != nil {
		network = e.network.Run(ctx)
	}

	var (
		debounce *clock.Timer
		fire     <-chan time.Time
	)
	interval := e.cfg.Current().Refresh.Interval.D()
	refresh, refreshC := e.newTicker(interval)

	e.log.Info("reconciliation engine started", "record", e.cfg.Current().Identity())
	e.observer.ChangeReceived(TriggerStartup)
	e.resync.Store(true)
	e.queue.Add(passKey)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		if refresh != nil {
			refresh.Stop()
		}
		e.queue.ShutDown()
		<-workerDone
		e.log.Info("reconciliation engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			if !e.cfg.Current().Refresh.NetworkDetection {
				continue
			}
			debounce, fire = e.debounce(debounce, TriggerNetwork)

		case ev := <-e.cfg.Events():
			if ev.Err != nil {
				e.observer.ConfigRejected(ev.Err)
				continue
			}
			if next := ev.Config.Refresh.Interval.D(); next != interval {
				if refresh != nil {
					refresh.Stop()
				}
				interval = next
				refresh, refreshC = e.newTicker(interval)
			}
			debounce, fire = e.debounce(debounce, TriggerConfig)

		case <-refreshC:
			e.observer.ChangeReceived(TriggerRefresh)
			e.resync.Store(true)
			e.queue.Add(passKey)

		case <-fire:
			debounce, fire = nil, nil
			e.queue.Add(passKey)
		}
	}
}

func (e *Engine) newTicker(interval time.Duration) (*clock.Ticker, <-chan time.Time) {
	if interval <= 0 {
		return nil, nil
	}
	t := e.clock.Ticker(interval)
	return t, t.C
}

// debounce restarts the quiet-period timer. The timer exists before the
// observer hears about the event.
func (e *Engine) debounce(timer *clock.Timer, trigger Trigger) (*clock.Timer, <-chan time.Time) {
	if timer != nil {
		timer.Stop()
	}
	timer = e.clock.Timer(e.cfg.Current().Refresh.Debounce.D())
	if e.state.CompareAndSwap(int32(Idle), int32(Debouncing)) {
		e.observer.Transition(Idle, Debouncing)
	}
	e.observer.ChangeReceived(trigger)
	return timer, timer.C
}

func (e *Engine) processNext(ctx context.Context) bool {
	key, shutdown := e.queue.Get()
	if shutdown {
		return false
	}
	defer e.queue.Done(key)

	if ctx.Err() != nil {
		return true
	}
	e.observer.PassCompleted(e.pass(ctx))
	return true
}

// RunOnce performs a single pass without debouncing, forcing an
// authoritative provider read. It must not be called while Run is active.
func (e *Engine) RunOnce(ctx context.Context) PassResult {
	e.resync.Store(true)
	res := e.pass(ctx)
	e.observer.PassCompleted(res)
	return res
}

func (e *Engine) pass(ctx context.Context) (res PassResult) {
	start := e.clock.Now()
	cfg := e.cfg.Current()
	res.Identity = cfg.Identity()
	defer func() {
		res.Duration = e.clock.Since(start)
		e.last.result = res.Outcome
		e.setState(Idle)
	}()

	fail := func(outcome Outcome, err error) PassResult {
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		res.Outcome = outcome
		res.Err = err
		return res
	}

	e.setState(Resolving)
	if e.online != nil && !e.online(ctx) {
		return fail(OutcomeResolutionFailed, ErrOffline)
	}
	addr, err := e.resolver.Resolve(ctx)
	if err != nil {
		return fail(OutcomeResolutionFailed, err)
	}
	res.Address = addr.IP

	e.setState(Comparing)
	provider, err := e.providerFor(cfg)
	if err != nil {
		return fail(OutcomeFailedPermanent, err)
	}

	resync := e.resync.Swap(false)
	if resync || !e.last.known(cfg.Identity()) {
		res.Authoritative = true
		var rec dns.Record
		err := e.call(ctx, cfg, func(ctx context.Context) (err error) {
			rec, err = provider.ReadRecord(ctx, cfg.Zone.ID, cfg.Zone.Record)
			return err
		})
		if err != nil {
			// Ask for another authoritative read next time.
			e.resync.Store(true)
			if dns.IsTransient(err) {
				return fail(OutcomeFailedTransient, err)
			}
			return fail(OutcomeFailedPermanent, err)
		}
		e.last = lastApplied{identity: cfg.Identity(), value: rec.Content, proxied: rec.Proxied}
	}
	res.Previous = e.last.value

	if e.last.value == addr.IP && e.last.proxied == cfg.Zone.Proxied {
		res.Outcome = OutcomeNoOp
		return res
	}

	e.setState(Updating)
	attempts, err := e.update(ctx, cfg, provider, addr.IP)
	res.Attempts = attempts
	switch {
	case err == nil:
		e.last = lastApplied{identity: cfg.Identity(), value: addr.IP, proxied: cfg.Zone.Proxied}
		res.Outcome = OutcomeUpdated
		return res
	case dns.IsTransient(err):
		return fail(OutcomeFailedTransient, err)
	default:
		return fail(OutcomeFailedPermanent, err)
	}
}

// update issues the write, backing off between transient failures. It
// gives up after cfg.Retry.MaxRetries consecutive transient failures.
func (e *Engine) update(ctx context.Context, cfg *config.Config, provider dns.Provider, addr netip.Addr) (int, error) {
	backoff := wait.Backoff{
		Duration: cfg.Retry.InitialDelay.D(),
		Factor:   cfg.Retry.Factor,
		Jitter:   cfg.Retry.Jitter,
		Steps:    cfg.Retry.MaxRetries,
		Cap:      cfg.Retry.MaxDelay.D(),
	}
	maxDelay := cfg.Retry.MaxDelay.D()

	for attempt := 1; ; attempt++ {
		err := e.call(ctx, cfg, func(ctx context.Context) error {
			return provider.UpdateRecord(ctx, cfg.Zone.ID, cfg.Zone.Record, addr, cfg.Zone.Proxied)
		})
		if err == nil || !dns.IsTransient(err) || attempt >= cfg.Retry.MaxRetries {
			return attempt, err
		}

		// Step overflows to a negative duration for very large factors.
		delay := backoff.Step()
		if delay <= 0 || delay > maxDelay {
			delay = maxDelay
		}
		e.setState(Backoff)
		timer := e.clock.Timer(delay)
		e.observer.BackoffScheduled(attempt, delay, err)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("backoff interrupted: %w", ctx.Err())
		case <-timer.C:
		}
		e.setState(Updating)
	}
}

// call runs a provider request detached from shutdown cancellation: once
// sent, a request completes or times out on its own.
func (e *Engine) call(ctx context.Context, cfg *config.Config, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.Timeout.D())
	defer cancel()
	return fn(callCtx)
}

// providerFor returns a client for cfg, rebuilding it when credentials or
// HTTP settings changed.
func (e *Engine) providerFor(cfg *config.Config) (dns.Provider, error) {
	if e.provider != nil && e.providerKey.account == cfg.Account && e.providerKey.http == cfg.HTTP {
		return e.provider, nil
	}
	p, err := e.newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}
	if e.provider != nil {
		// New credentials are checked against the live record.
		e.log.Info("provider settings changed, re-reading record")
		e.resync.Store(true)
	}
	e.provider = p
	e.providerKey.account = cfg.Account
	e.providerKey.http = cfg.HTTP
	return p, nil
}
