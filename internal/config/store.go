package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
)

// DefaultDebounce coalesces the burst of write/rename events editors emit
// for a single save.
const DefaultDebounce = 500 * time.Millisecond

// ReloadEvent reports one reload attempt. Err is set when the file was
// rejected, in which case Config is nil and the previous snapshot is still
// current.
type ReloadEvent struct {
	Config *Config
	Err    error
}

// Store holds the current configuration snapshot and keeps it in sync with
// the file on disk. Current never blocks; Watch is the only writer.
type Store struct {
	log      logr.Logger
	path     string
	clock    clock.Clock
	debounce time.Duration

	current atomic.Pointer[Config]
	mu      sync.Mutex
	events  chan ReloadEvent
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithDebounce sets the quiet period after the last file event before the
// file is re-read.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// NewStore loads path and returns a Store serving it. The initial load must
// succeed; there is no previous snapshot to fall back to.
func NewStore(log logr.Logger, path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	s := &Store{
		log:      log,
		path:     filepath.Clean(abs),
		clock:    clock.New(),
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.current.Store(cfg)
	return s, nil
}

// Path returns the absolute path of the watched file.
func (s *Store) Path() string { return s.path }

// Current returns the latest valid snapshot. Callers must not modify it.
func (s *Store) Current() *Config { return s.current.Load() }

// Events returns the stream of reload attempts. It is meant for a single
// consumer. Unconsumed events are coalesced, so a slow consumer sees the
// latest outcome rather than every attempt.
func (s *Store) Events() <-chan ReloadEvent { return s.events }

// Swap publishes cfg as the current snapshot.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
	s.publish(ReloadEvent{Config: cfg})
}

// Reload re-reads the file once. A rejected file leaves the current
// snapshot in place.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		s.log.Error(err, "configuration rejected, keeping previous snapshot", "path", s.path)
		s.publish(ReloadEvent{Err: err})
		return err
	}
	if cmp.Equal(cfg, s.current.Load()) {
		s.log.V(1).Info("configuration unchanged", "path", s.path)
		return nil
	}
	s.current.Store(cfg)
	s.log.Info("configuration reloaded", "zone", cfg.Zone.ID, "record", cfg.Zone.Record)
	s.publish(ReloadEvent{Config: cfg})
	return nil
}

// publish leaves at most one event pending. A newer event replaces an
// unconsumed one, except that a rejection never replaces a pending
// successful reload: the consumer must still see the new snapshot.
func (s *Store) publish(ev ReloadEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case pending := <-s.events:
			if ev.Err != nil && pending.Err == nil {
				ev = pending
			}
			s.log.V(1).Info("coalescing unconsumed reload event")
		default:
		}
	}
}

// Watch follows the configuration file until ctx is done. The parent
// directory is watched so that editors which replace the file by rename
// keep being tracked.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}
	s.log.Info("watching configuration", "path", s.path, "debounce", s.debounce)

	var (
		timer *clock.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			s.log.V(1).Info("config file event", "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = s.clock.Timer(s.debounce)
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error(err, "config watcher error")
		case <-fire:
			timer, fire = nil, nil
			_ = s.Reload()
		}
	}
}
