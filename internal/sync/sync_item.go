package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/openmined/projectsync/internal/transfer"
	"github.com/openmined/projectsync/internal/utils"
	"github.com/openmined/projectsync/internal/watch"
)

// SyncItem mirrors one source to one destination, or watches the config
// file when Kind is ConfigReloadTarget.
type SyncItem struct {
	Name        string
	Kind        TargetKind
	Source      string
	Destination string
	SyncOnStart bool
	Ignore      string
	Options     string
	Debounce    time.Duration
	Verbose     bool

	watcher  watch.Provider
	transfer transfer.Transferer
	clock    clockwork.Clock

	// owned by the Run goroutine
	lastSynced time.Time
}

func newSyncItem(item SyncItem, deps Deps) *SyncItem {
	item.watcher = deps.Watcher
	item.transfer = deps.Transfer
	item.clock = deps.Clock
	item.lastSynced = deps.Clock.Now()
	return &item
}

func newConfigItem(path string, debounce time.Duration, verbose bool, deps Deps) *SyncItem {
	return newSyncItem(SyncItem{
		Name:        "config",
		Kind:        ConfigReloadTarget,
		Source:      path,
		Destination: path,
		Debounce:    debounce,
		Verbose:     verbose,
	}, deps)
}

func (it *SyncItem) String() string {
	if it.Kind == ConfigReloadTarget {
		return fmt.Sprintf("config watch %s", it.Source)
	}
	return fmt.Sprintf("%s: %s -> %s", it.Name, it.Source, it.Destination)
}

// Run watches the item's source until ctx is cancelled or the event stream
// closes. A config item trips reload on its first event and returns.
// Only a failed subscription is reported as an error.
func (it *SyncItem) Run(ctx context.Context, reload context.CancelCauseFunc) error {
	source, err := utils.ExpandHome(it.Source)
	if err != nil {
		return fmt.Errorf("item %s: %w", it.Name, err)
	}

	var filter watch.FilterCallback
	if it.Kind == ProjectTarget {
		filter = newIgnoreFilter(source, it.Ignore)
	}

	sub, err := it.watcher.Subscribe(ctx, source, filter)
	if err != nil {
		return fmt.Errorf("watch %s: %w", source, err)
	}
	defer sub.Close()

	logger := slog.With("item", it.Name, "kind", it.Kind, "dest", it.Destination)
	logger.Debug("item start", "source", source, "sync_on_start", it.SyncOnStart)

	var pending time.Time
	if it.Kind == ProjectTarget && it.SyncOnStart {
		pending = it.clock.Now()
	}

	for {
		if pending.IsZero() {
			select {
			case <-ctx.Done():
				logger.Debug("item stop", "cause", context.Cause(ctx))
				return nil
			case err := <-sub.Errors():
				logger.Warn("watch error", "error", err)
				continue
			case ev, ok := <-sub.Events():
				if !ok {
					logger.Debug("watch closed")
					return nil
				}
				logger.Debug("event", "path", ev.Path)
				pending = ev.Time
			}
		}

		if it.Kind == ConfigReloadTarget {
			logger.Info("config changed", "path", source)
			reload(ErrConfigChanged)
			return nil
		}

		if pending.Before(it.lastSynced) {
			logger.Debug("stale event", "at", pending, "last_synced", it.lastSynced)
			pending = time.Time{}
			continue
		}

		if !it.debounce(ctx, sub, pending, logger) {
			logger.Debug("item stop", "cause", context.Cause(ctx))
			return nil
		}
		pending = time.Time{}

		it.sync(ctx, logger)
	}
}

// debounce waits until Debounce has passed since the newest event seen.
// It returns false when the item must stop instead of syncing.
func (it *SyncItem) debounce(ctx context.Context, sub watch.Subscription, latest time.Time, logger *slog.Logger) bool {
	wait := latest.Add(it.Debounce).Sub(it.clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := it.clock.NewTimer(wait)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.Chan():
			return true
		case err := <-sub.Errors():
			logger.Warn("watch error", "error", err)
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			if !ev.Time.After(latest) {
				continue
			}
			latest = ev.Time
			timer.Stop()
			timer = it.clock.NewTimer(latest.Add(it.Debounce).Sub(it.clock.Now()))
		}
	}
}

func (it *SyncItem) sync(ctx context.Context, logger *slog.Logger) {
	started := it.clock.Now()
	logger.Info("sync start", "source", it.Source)

	err := it.transfer.Transfer(ctx, it.job())
	switch {
	case err == nil:
		it.lastSynced = started
		logger.Info("sync done", "took", it.clock.Since(started))
	case errors.Is(err, ErrConfigChanged), errors.Is(err, context.Canceled):
		logger.Info("sync abandoned", "reason", err)
	default:
		logger.Error("sync failed", "error", err,
			"last_synced", humanize.RelTime(it.lastSynced, it.clock.Now(), "ago", "from now"))
	}
}

func (it *SyncItem) job() transfer.Job {
	return transfer.Job{
		Name:        it.Name,
		Source:      it.Source,
		Destination: it.Destination,
		Ignore:      it.Ignore,
		Options:     it.Options,
		Verbose:     it.Verbose,
	}
}
