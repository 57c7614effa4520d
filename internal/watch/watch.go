// Package watch turns filesystem notifications into a stream of
// timestamped change events. Subscriptions on a directory are recursive;
// subscriptions on a file watch the file's parent and only report the file,
// so editors that save by renaming are still seen.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	Notify   = "notify"
	Fsnotify = "fsnotify"

	eventBufferSize = 64
	errorBufferSize = 16
)

var ErrUnknownWatcher = errors.New("unknown watcher backend")

// FilterCallback returns true if the event for path should be dropped.
type FilterCallback func(path string) bool

type Event struct {
	Path string
	Time time.Time
}

type Subscription interface {
	// Events is closed once the subscription is closed or the underlying
	// watcher goes away.
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

type Provider interface {
	Subscribe(ctx context.Context, path string, filter FilterCallback) (Subscription, error)
}

// NewProvider returns the backend registered under name. An empty name
// selects the notify backend.
func NewProvider(name string, clock clockwork.Clock) (Provider, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	switch name {
	case Notify, "":
		return &NotifyProvider{clock: clock}, nil
	case Fsnotify:
		return &FsnotifyProvider{clock: clock}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWatcher, name)
	}
}

// target describes what a subscription actually registers with the OS.
type target struct {
	path  string // absolute path that was asked for
	dir   string // directory registered with the backend
	isDir bool
}

func resolveTarget(path string) (target, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return target{}, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return target{}, err
	}

	if info.IsDir() {
		return target{path: absPath, dir: absPath, isDir: true}, nil
	}
	return target{path: absPath, dir: filepath.Dir(absPath)}, nil
}

// matches reports whether an event for eventPath concerns this target.
func (t target) matches(eventPath string) bool {
	if t.isDir {
		return true
	}
	return filepath.Base(eventPath) == filepath.Base(t.path)
}

// subscription is the backend-independent half of a Subscription. The
// backend goroutine calls emit/fail and finally finish.
type subscription struct {
	target target
	clock  clockwork.Clock
	filter FilterCallback

	events chan Event
	errors chan error
	done   chan struct{}
	stop   func() error

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(t target, clock clockwork.Clock, filter FilterCallback, stop func() error) *subscription {
	return &subscription{
		target: t,
		clock:  clock,
		filter: filter,
		events: make(chan Event, 1),
		errors: make(chan error, errorBufferSize),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

func (s *subscription) Events() <-chan Event {
	return s.events
}

func (s *subscription) Errors() <-chan error {
	return s.errors
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.stop()
		s.wg.Wait()
	})
	return s.closeErr
}

// run starts the backend loop; events is closed when it returns.
func (s *subscription) run(loop func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.events)
		loop()
	}()
}

func (s *subscription) emit(path string) {
	if !s.target.matches(path) {
		return
	}
	if s.filter != nil && s.filter(path) {
		return
	}
	offer(s.events, Event{Path: path, Time: s.clock.Now()})
}

func (s *subscription) fail(err error) {
	select {
	case s.errors <- err:
	default:
		slog.Warn("watch error dropped", "reason", "channel full", "path", s.target.path, "error", err)
	}
}

// offer delivers ev without blocking. When the consumer is behind, the
// pending event is replaced: only the newest timestamp matters downstream.
// offer must only be called from the single producer goroutine.
func offer(events chan Event, ev Event) {
	for {
		select {
		case events <- ev:
			return
		default:
		}

		select {
		case <-events:
		default:
		}
	}
}
