package main

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/openmined/projectsync/internal/config"
	"github.com/openmined/projectsync/internal/utils"
)

const (
	configEnv      = "PROJECTSYNC_CONFIG"
	configFileName = "sync.toml"
)

var (
	userConfigDir = filepath.Join(xdg.ConfigHome, config.AppDir)
	executable    = os.Executable
)

func defaultConfigPath() string {
	return filepath.Join(userConfigDir, configFileName)
}

// resolveConfigPath determines which config file path to use, honoring (in order):
// 1) An explicitly set --config flag
// 2) PROJECTSYNC_CONFIG environment variable
// 3) sync.toml next to the executable, then in the user config dir
// 4) The user config dir path
func resolveConfigPath(cmd *cobra.Command) string {
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		return cfgFlag.Value.String()
	}

	if envPath := os.Getenv(configEnv); envPath != "" {
		return envPath
	}

	var candidates []string
	if exe, err := executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), configFileName))
	}
	candidates = append(candidates, defaultConfigPath())

	for _, candidate := range candidates {
		if utils.FileExists(candidate) {
			return candidate
		}
	}

	return defaultConfigPath()
}
