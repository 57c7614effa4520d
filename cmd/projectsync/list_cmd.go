package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openmined/projectsync/internal/config"
	"github.com/openmined/projectsync/internal/sync"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [filter]",
		Short: "Print the sync items the daemon would run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd))
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.FilterDestinations(args[0])
			}

			engine, err := sync.NewSyncEngine(cfg, sync.Deps{})
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true
			return printItems(cmd.OutOrStdout(), cfg, engine.Items())
		},
	}
}

func printItems(w io.Writer, cfg *config.Config, items []*sync.SyncItem) error {
	if _, err := fmt.Fprintf(w, "%s %s (debounce %s, watcher %s)\n",
		cyan("config"), cfg.Path, cfg.DebounceDuration(), cfg.Watcher); err != nil {
		return err
	}

	count := 0
	for _, item := range items {
		if item.Kind != sync.ProjectTarget {
			continue
		}
		count++

		line := fmt.Sprintf("%s %s -> %s", cyan(item.Name), item.Source, green(item.Destination))
		if item.SyncOnStart {
			line += " [sync on start]"
		}
		if item.Options != "" {
			line += " [" + item.Options + "]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	if count == 0 {
		_, err := fmt.Fprintln(w, red("no destinations to sync"))
		return err
	}
	return nil
}
