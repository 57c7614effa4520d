package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/projectsync/internal/config"
	"github.com/openmined/projectsync/internal/transfer"
	"github.com/openmined/projectsync/internal/watch"
)

// Deps are the collaborators shared by every item of a generation.
// Zero fields are built from the config.
type Deps struct {
	Watcher  watch.Provider
	Transfer transfer.Transferer
	Clock    clockwork.Clock
}

func (d Deps) withDefaults(cfg *config.Config) (Deps, error) {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Watcher == nil {
		provider, err := watch.NewProvider(cfg.Watcher, d.Clock)
		if err != nil {
			return d, err
		}
		d.Watcher = provider
	}
	if d.Transfer == nil {
		rsync := transfer.NewRsync(cfg.Rsync, cfg.CacheDir)
		rsync.Clock = d.Clock
		d.Transfer = rsync
	}
	return d, nil
}

// SyncEngine runs one generation: every item of one config read.
type SyncEngine struct {
	items    []*SyncItem
	reloaded atomic.Bool
}

// NewSyncEngine fans every rule out into one item per destination and adds
// the config watch item.
func NewSyncEngine(cfg *config.Config, deps Deps) (*SyncEngine, error) {
	deps, err := deps.withDefaults(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	debounce := cfg.DebounceDuration()
	items := make([]*SyncItem, 0, len(cfg.Sync)+1)
	for _, rule := range cfg.Sync {
		for _, dest := range rule.Destinations {
			items = append(items, newSyncItem(SyncItem{
				Name:        rule.Name,
				Kind:        ProjectTarget,
				Source:      rule.Source,
				Destination: dest,
				SyncOnStart: rule.SyncOnStart,
				Ignore:      rule.Ignore,
				Options:     rule.Options,
				Debounce:    debounce,
				Verbose:     cfg.Verbose,
			}, deps))
		}
	}
	items = append(items, newConfigItem(cfg.Path, debounce, cfg.Verbose, deps))

	return &SyncEngine{items: items}, nil
}

func (e *SyncEngine) Items() []*SyncItem {
	return e.items
}

// Run blocks until every item has returned. It returns nil when the
// generation ended because ctx was cancelled or the config changed, and the
// first subscription error otherwise.
func (e *SyncEngine) Run(ctx context.Context) error {
	genCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(genCtx)
	for _, item := range e.items {
		g.Go(func() error {
			return item.Run(gctx, cancel)
		})
	}

	err := g.Wait()
	cause := context.Cause(genCtx)
	e.reloaded.Store(errors.Is(cause, ErrConfigChanged))

	if err != nil {
		slog.Error("sync engine stopped", "error", err)
		return err
	}
	return nil
}

// Reloaded reports whether the last Run ended because the config changed.
func (e *SyncEngine) Reloaded() bool {
	return e.reloaded.Load()
}
