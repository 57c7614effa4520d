package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openmined/projectsync/internal/version"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "projectsync [filter]",
		Short:             "Mirror project directories to remote hosts with rsync",
		Long:              "Watches every configured source and rsyncs it to its destinations after each burst of changes.\nThe optional filter keeps only destinations containing it.",
		Version:           version.Detailed(),
		Args:              cobra.MaximumNArgs(1),
		PersistentPreRunE: setupLogging,
		RunE:              runDaemon,
	}

	cmd.Flags().SortFlags = false
	cmd.PersistentFlags().StringP("config", "c", defaultConfigPath(), "config file")
	cmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logs")
	cmd.PersistentFlags().String("log-file", defaultLogFile, "log file, empty to log to stdout only")
	cmd.Flags().BoolP("verbose", "v", false, "itemize changes in rsync output")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	closeLogging()
	if err != nil {
		os.Exit(1)
	}
}
