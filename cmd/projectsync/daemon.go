package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openmined/projectsync/internal/config"
	"github.com/openmined/projectsync/internal/sync"
	"github.com/openmined/projectsync/internal/utils"
	"github.com/openmined/projectsync/internal/version"
)

var lockDir = config.DefaultCacheDir

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, err := utils.ResolvePath(resolveConfigPath(cmd))
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	var filter string
	if len(args) > 0 {
		filter = args[0]
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	// args are fine from here on
	cmd.SilenceUsage = true

	lock := sync.NewInstanceLock(lockDir, cfgPath)
	if err := lock.Lock(); err != nil {
		slog.Error("cannot start", "config", cfgPath, "error", err)
		return err
	}
	defer lock.Unlock()

	slog.Info("project-sync", "version", version.Short(), "config", cfgPath, "filter", filter, "verbose", verbose)
	defer slog.Info("Bye!")

	manager := sync.NewManager(cfgPath, filter, verbose, sync.Deps{})
	if err := manager.Run(cmd.Context()); err != nil {
		slog.Error("project-sync stopped", "error", err)
		return err
	}
	return nil
}
