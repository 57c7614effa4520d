package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/projectsync/internal/transfer"
	"github.com/openmined/projectsync/internal/watch"
)

const testSource = "/src/web"

func newTestItem(provider watch.Provider, tr transfer.Transferer, clock clockwork.Clock, syncOnStart bool) *SyncItem {
	return newSyncItem(SyncItem{
		Name:        "web",
		Kind:        ProjectTarget,
		Source:      testSource,
		Destination: "host1:/srv/web",
		SyncOnStart: syncOnStart,
		Ignore:      ".git\n",
		Debounce:    time.Second,
	}, Deps{Watcher: provider, Transfer: tr, Clock: clock})
}

func startItem(t *testing.T, item *SyncItem) (context.CancelCauseFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(t.Context())
	t.Cleanup(func() { cancel(nil) })
	return cancel, runAsync(func() error { return item.Run(ctx, cancel) })
}

func event(clock clockwork.Clock, name string) watch.Event {
	return watch.Event{Path: testSource + "/" + name, Time: clock.Now()}
}

func TestSyncItem_BurstCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock)
	item := newTestItem(provider, tr, clock, false)

	cancel, done := startItem(t, item)
	sub := provider.await(t, testSource)

	first := clock.Now()
	sub.deliver(t, event(clock, "a.go"))
	clock.Advance(400 * time.Millisecond)
	sub.deliver(t, event(clock, "b.go"))
	clock.Advance(400 * time.Millisecond)
	sub.deliver(t, event(clock, "c.go"))
	last := clock.Now()

	// the deadline follows the newest event
	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, tr.count())

	clock.Advance(time.Millisecond)
	call := tr.await(t)
	assert.Equal(t, last.Add(time.Second), call.at)
	assert.False(t, call.at.Before(first.Add(time.Second)))
	assert.Equal(t, "host1:/srv/web", call.job.Destination)
	tr.assertIdle(t)

	cancel(nil)
	require.NoError(t, awaitDone(t, done))
	assert.True(t, sub.isClosed())
}

func TestSyncItem_SyncOnStart(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		provider := newFakeProvider()
		tr := newFakeTransferer(clock)
		item := newTestItem(provider, tr, clock, true)

		_, _ = startItem(t, item)
		provider.await(t, testSource)

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		tr.await(t)
		tr.assertIdle(t)
	})

	t.Run("disabled", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		provider := newFakeProvider()
		tr := newFakeTransferer(clock)
		item := newTestItem(provider, tr, clock, false)

		_, _ = startItem(t, item)
		provider.await(t, testSource)

		clock.Advance(time.Minute)
		tr.assertIdle(t)
	})
}

func TestSyncItem_StaleEventDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock)
	item := newTestItem(provider, tr, clock, false)

	_, _ = startItem(t, item)
	sub := provider.await(t, testSource)

	sub.deliver(t, watch.Event{Path: testSource + "/old.go", Time: clock.Now().Add(-time.Minute)})
	clock.Advance(time.Minute)
	tr.assertIdle(t)
}

func TestSyncItem_EditDuringTransferSyncsAgain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock)
	tr.release = make(chan struct{})
	item := newTestItem(provider, tr, clock, false)

	_, _ = startItem(t, item)
	sub := provider.await(t, testSource)

	sub.deliver(t, event(clock, "a.go"))
	clock.Advance(time.Second)
	first := tr.await(t)

	// stamped while rsync ran; the watcher buffers it until the item is back
	clock.Advance(200 * time.Millisecond)
	during := event(clock, "b.go")
	before := watch.Event{Path: testSource + "/c.go", Time: first.at.Add(-time.Millisecond)}
	close(tr.release)

	sub.deliver(t, before)
	clock.Advance(time.Minute)
	tr.assertIdle(t)

	sub.deliver(t, during)
	second := tr.await(t)
	assert.True(t, second.at.After(first.at))
}

func TestSyncItem_FailureKeepsLastSynced(t *testing.T) {
	exhausted := fmt.Errorf("%w after 3 attempts: %w", transfer.ErrRetriesExhausted, errExit)

	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock, exhausted)
	item := newTestItem(provider, tr, clock, false)
	created := clock.Now()

	cancel, done := startItem(t, item)
	sub := provider.await(t, testSource)

	sub.deliver(t, event(clock, "a.go"))
	clock.Advance(time.Second)
	tr.await(t)

	// a later change starts a fresh transfer
	clock.Advance(5 * time.Second)
	sub.deliver(t, event(clock, "b.go"))
	clock.Advance(time.Second)
	second := tr.await(t)

	cancel(nil)
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, second.at, item.lastSynced)
	assert.True(t, item.lastSynced.After(created))
}

func TestSyncItem_FailureOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock, transfer.ErrRetriesExhausted)
	item := newTestItem(provider, tr, clock, false)
	created := clock.Now()

	cancel, done := startItem(t, item)
	sub := provider.await(t, testSource)

	sub.deliver(t, event(clock, "a.go"))
	clock.Advance(time.Second)
	tr.await(t)

	cancel(nil)
	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, created, item.lastSynced)
}

func TestSyncItem_IgnoreFilter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	item := newTestItem(provider, newFakeTransferer(clock), clock, false)

	_, _ = startItem(t, item)
	sub := provider.await(t, testSource)

	require.NotNil(t, sub.filter)
	assert.True(t, sub.filter(testSource+"/.git/HEAD"))
	assert.False(t, sub.filter(testSource+"/main.go"))
}

func TestSyncItem_ConfigItemTripsReload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	tr := newFakeTransferer(clock)
	item := newConfigItem("/etc/project-sync/sync.toml", time.Second, false,
		Deps{Watcher: provider, Transfer: tr, Clock: clock})

	ctx, cancel := context.WithCancelCause(t.Context())
	defer cancel(nil)
	done := runAsync(func() error { return item.Run(ctx, cancel) })

	sub := provider.await(t, "/etc/project-sync/sync.toml")
	assert.Nil(t, sub.filter)

	sub.send(t, watch.Event{Path: "/etc/project-sync/sync.toml", Time: clock.Now()})
	require.NoError(t, awaitDone(t, done))
	assert.ErrorIs(t, context.Cause(ctx), ErrConfigChanged)
	assert.Equal(t, 0, tr.count())
	assert.True(t, sub.isClosed())
}

func TestSyncItem_SubscribeError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	provider.fail[testSource] = errors.New("no such directory")
	item := newTestItem(provider, newFakeTransferer(clock), clock, false)

	err := item.Run(t.Context(), func(error) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such directory")
}

func TestSyncItem_StreamClosed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	item := newTestItem(provider, newFakeTransferer(clock), clock, false)

	_, done := startItem(t, item)
	sub := provider.await(t, testSource)

	close(sub.events)
	require.NoError(t, awaitDone(t, done))
}

// failingRunner fails its first `failures` runs.
type failingRunner struct {
	mu       sync.Mutex
	failures int
	runs     int
}

func (r *failingRunner) Run(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.runs <= r.failures {
		return errExit
	}
	return nil
}

func TestSyncItem_RetryBoundary(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		runs     int
		synced   bool
	}{
		{name: "first run succeeds", failures: 0, runs: 1, synced: true},
		{name: "last attempt succeeds", failures: transfer.MaxAttempts - 1, runs: transfer.MaxAttempts, synced: true},
		{name: "all attempts fail", failures: transfer.MaxAttempts, runs: transfer.MaxAttempts, synced: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			provider := newFakeProvider()
			runner := &failingRunner{failures: tt.failures}

			rsync := transfer.NewRsync("rsync", "/cache")
			rsync.Fs = afero.NewMemMapFs()
			rsync.Clock = clock
			rsync.Runner = runner
			rsync.BackoffBase = 0
			rsync.BackoffStep = 0

			item := newTestItem(provider, rsync, clock, false)
			created := clock.Now()

			cancel, done := startItem(t, item)
			sub := provider.await(t, testSource)

			clock.Advance(time.Minute)
			launched := clock.Now()
			sub.deliver(t, event(clock, "a.go"))
			clock.Advance(time.Second)

			// received only once the item is idle again; stamped before
			// lastSynced in every case so it never starts a transfer
			sub.deliver(t, watch.Event{Path: testSource + "/stale.go", Time: created.Add(-time.Nanosecond)})

			cancel(nil)
			require.NoError(t, awaitDone(t, done))
			assert.Equal(t, tt.runs, runner.runs)
			if tt.synced {
				assert.Equal(t, launched.Add(time.Second), item.lastSynced)
			} else {
				assert.Equal(t, created, item.lastSynced)
			}
		})
	}
}
