package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openmined/projectsync/internal/transfer"
	"github.com/openmined/projectsync/internal/watch"
)

const waitTimeout = 2 * time.Second

type fakeSubscription struct {
	path   string
	filter watch.FilterCallback
	events chan watch.Event
	errors chan error
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSubscription) Events() <-chan watch.Event { return s.events }
func (s *fakeSubscription) Errors() <-chan error       { return s.errors }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// send hands ev to the item and returns once the item has received it.
func (s *fakeSubscription) send(t *testing.T, ev watch.Event) {
	t.Helper()
	select {
	case s.events <- ev:
	case <-s.closed:
		require.FailNow(t, "subscription closed", s.path)
	case <-time.After(waitTimeout):
		require.FailNow(t, "item did not receive event", s.path)
	}
}

// deliver sends ev twice. The duplicate is only received after the item
// has finished handling the first one, so the caller can move the clock.
func (s *fakeSubscription) deliver(t *testing.T, ev watch.Event) {
	t.Helper()
	s.send(t, ev)
	s.send(t, ev)
}

type fakeProvider struct {
	mu         sync.Mutex
	subs       map[string]*fakeSubscription
	fail       map[string]error
	subscribed chan *fakeSubscription
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:       make(map[string]*fakeSubscription),
		fail:       make(map[string]error),
		subscribed: make(chan *fakeSubscription, 64),
	}
}

func (p *fakeProvider) Subscribe(_ context.Context, path string, filter watch.FilterCallback) (watch.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail[path]; err != nil {
		return nil, err
	}
	sub := &fakeSubscription{
		path:   path,
		filter: filter,
		events: make(chan watch.Event),
		errors: make(chan error),
		closed: make(chan struct{}),
	}
	p.subs[path] = sub
	p.subscribed <- sub
	return sub, nil
}

// await returns the next subscription made for path.
func (p *fakeProvider) await(t *testing.T, path string) *fakeSubscription {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case sub := <-p.subscribed:
			if sub.path == path {
				return sub
			}
		case <-deadline:
			require.FailNow(t, "no subscription", path)
		}
	}
}

type transferCall struct {
	job transfer.Job
	at  time.Time
}

type fakeTransferer struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	calls   []transferCall
	results []error
	release chan struct{}
	started chan transferCall
}

func newFakeTransferer(clock clockwork.Clock, results ...error) *fakeTransferer {
	return &fakeTransferer{
		clock:   clock,
		results: results,
		started: make(chan transferCall, 64),
	}
}

func (f *fakeTransferer) Transfer(_ context.Context, job transfer.Job) error {
	f.mu.Lock()
	call := transferCall{job: job, at: f.clock.Now()}
	f.calls = append(f.calls, call)
	n := len(f.calls)
	release := f.release
	f.mu.Unlock()

	f.started <- call
	if release != nil {
		<-release
	}
	if n <= len(f.results) {
		return f.results[n-1]
	}
	return nil
}

func (f *fakeTransferer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransferer) await(t *testing.T) transferCall {
	t.Helper()
	select {
	case call := <-f.started:
		return call
	case <-time.After(waitTimeout):
		require.FailNow(t, "no transfer started")
		return transferCall{}
	}
}

func (f *fakeTransferer) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.started:
		require.FailNow(t, "unexpected transfer", call.job.Destination)
	case <-time.After(100 * time.Millisecond):
	}
}

// runAsync runs fn in a goroutine and returns its result channel.
func runAsync(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func awaitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		require.FailNow(t, "run did not return")
		return nil
	}
}

var errExit = errors.New("exit status 23")

// awaitN collects the next n subscriptions keyed by path.
func (p *fakeProvider) awaitN(t *testing.T, n int) map[string][]*fakeSubscription {
	t.Helper()
	subs := make(map[string][]*fakeSubscription)
	deadline := time.After(waitTimeout)
	for i := 0; i < n; i++ {
		select {
		case sub := <-p.subscribed:
			subs[sub.path] = append(subs[sub.path], sub)
		case <-deadline:
			require.FailNow(t, "missing subscriptions", "got %d of %d", i, n)
		}
	}
	return subs
}
