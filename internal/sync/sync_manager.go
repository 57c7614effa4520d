package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openmined/projectsync/internal/config"
)

// restartDelay separates generations that ended without a config change,
// e.g. every watched directory went away.
const restartDelay = time.Second

type SyncManager struct {
	configPath string
	filter     string
	verbose    bool
	deps       Deps
	clock      clockwork.Clock
}

// NewManager returns a manager for the config at configPath. filter limits
// destinations to those containing it; verbose forces verbose transfers.
func NewManager(configPath, filter string, verbose bool, deps Deps) *SyncManager {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
		deps.Clock = clock
	}
	return &SyncManager{
		configPath: configPath,
		filter:     filter,
		verbose:    verbose,
		deps:       deps,
		clock:      clock,
	}
}

// Run starts generation after generation, re-reading the config each time,
// until ctx is cancelled. A config or watch failure stops it with an error.
func (m *SyncManager) Run(ctx context.Context) error {
	slog.Info("sync manager start", "config", m.configPath, "filter", m.filter)
	defer slog.Info("sync manager stop")

	for generation := 1; ; generation++ {
		engine, err := m.build(generation)
		if err != nil {
			return err
		}

		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("generation %d: %w", generation, err)
		}

		if ctx.Err() != nil {
			return nil
		}

		if engine.Reloaded() {
			slog.Info("reloading config", "generation", generation)
			continue
		}

		slog.Warn("all items stopped, restarting", "generation", generation, "delay", restartDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(restartDelay):
		}
	}
}

func (m *SyncManager) build(generation int) (*SyncEngine, error) {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if m.verbose {
		cfg.Verbose = true
	}
	if m.filter != "" {
		cfg.FilterDestinations(m.filter)
	}

	engine, err := NewSyncEngine(cfg, m.deps)
	if err != nil {
		return nil, err
	}

	slog.Info("generation start",
		"generation", generation,
		"id", uuid.NewString(),
		"config", cfg.Path,
		"debounce", cfg.DebounceDuration(),
		"items", len(engine.Items()),
	)
	for _, item := range engine.Items() {
		if item.Kind == ProjectTarget {
			slog.Info("adding", "item", item.String())
		}
	}
	return engine, nil
}
