// Package netwatch turns platform network-change notifications into a
// single stream of opaque "re-evaluate now" events.
package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Source produces change events until its context ends. Run may be called
// once; later calls return a closed channel.
type Source interface {
	Run(ctx context.Context) <-chan struct{}
}

// subscribeFunc holds one OS subscription open, calling notify for each
// change, until the subscription is lost (non-nil error) or ctx ends.
type subscribeFunc func(ctx context.Context, notify func()) error

// DefaultBackoff paces re-subscription after a failure.
var DefaultBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    8,
	Cap:      2 * time.Minute,
}

// A subscription that stayed up this long resets the backoff.
const healthyAfter = 5 * time.Minute

type watcher struct {
	log       logr.Logger
	name      string
	subscribe subscribeFunc
	backoff   wait.Backoff
	clock     clock.Clock

	once sync.Once
}

func newWatcher(log logr.Logger, name string, subscribe subscribeFunc) *watcher {
	return &watcher{
		log:       log.WithValues("source", name),
		name:      name,
		subscribe: subscribe,
		backoff:   DefaultBackoff,
		clock:     clock.New(),
	}
}

func (w *watcher) Run(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	started := false
	w.once.Do(func() { started = true })
	if !started {
		close(out)
		return out
	}

	// Events carry no payload, so one pending event stands in for any
	// number of newer ones and the OS callback never blocks.
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(out)
		backoff := w.backoff
		for {
			w.log.Info("subscribing to network changes")
			start := w.clock.Now()
			err := w.subscribe(ctx, notify)
			if ctx.Err() != nil {
				return
			}
			if w.clock.Since(start) >= healthyAfter {
				backoff = w.backoff
			}
			delay := backoff.Step()
			w.log.Error(err, "network change subscription lost, retrying", "delay", delay)

			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(delay):
			}
			// Changes may have been missed while unsubscribed.
			notify()
		}
	}()
	return out
}

// Poller emits an event every interval. It stands in on platforms without
// a native notification mechanism.
type Poller struct {
	interval time.Duration
	clock    clock.Clock
	once     sync.Once
}

// NewPoller creates a Poller.
func NewPoller(interval time.Duration) *Poller {
	return &Poller{interval: interval, clock: clock.New()}
}

func (p *Poller) Run(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	started := false
	p.once.Do(func() { started = true })
	if !started {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		t := p.clock.Ticker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
