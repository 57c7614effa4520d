package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openmined/projectsync/internal/config"
	"github.com/openmined/projectsync/internal/utils"
)

var defaultLogFile = filepath.Join(xdg.StateHome, config.AppDir, "projectsync.log")

var logFile io.Closer

// setupLogging sends logs to stdout and, unless --log-file is empty, to a
// rotated log file.
func setupLogging(cmd *cobra.Command, _ []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	path, _ := cmd.Flags().GetString("log-file")

	handler, closer, err := newLogHandler(os.Stdout, path, debug)
	if err != nil {
		return err
	}
	logFile = closer
	slog.SetDefault(slog.New(handler))
	return nil
}

func newLogHandler(stdout *os.File, path string, debug bool) (slog.Handler, io.Closer, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	stdoutHandler := tint.NewHandler(stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(stdout.Fd()),
	})
	if path == "" {
		return stdoutHandler, nil, nil
	}

	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve log file: %w", err)
	}
	if err := utils.EnsureParent(path); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: level})

	return utils.NewMultiLogHandler(stdoutHandler, fileHandler), rotator, nil
}

func closeLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
