package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/viper"

	"github.com/openmined/projectsync/internal/utils"
)

const (
	AppDir         = "project-sync"
	EnvPrefix      = "PROJECTSYNC"
	DefaultIgnore  = ".git\n"
	DefaultWatcher = "notify"
	DefaultRsync   = "rsync"

	// DefaultDebounce is in seconds, like the config key.
	DefaultDebounce = 0.08
)

var (
	ErrMissingName   = errors.New("rule name is required")
	ErrMissingSource = errors.New("rule source is required")
	ErrBadDebounce   = errors.New("debounce must not be negative")
)

var DefaultCacheDir = filepath.Join(xdg.CacheHome, AppDir)

// Rule is one [[sync]] table. A rule with several destinations is fanned
// out into one watched item per destination.
type Rule struct {
	Name         string
	Source       string
	Destinations []string
	SyncOnStart  bool
	Ignore       string
	Options      string
}

type Config struct {
	Debounce float64 `mapstructure:"debounce"`
	Verbose  bool    `mapstructure:"verbose"`
	Watcher  string  `mapstructure:"watcher"`
	CacheDir string  `mapstructure:"cache_dir"`
	Rsync    string  `mapstructure:"rsync"`
	Sync     []Rule  `mapstructure:"-"`

	// Path is the absolute path the config was read from.
	Path string `mapstructure:"-"`
}

// rawRule keeps Ignore as a pointer so an absent key can be told apart
// from an explicitly empty one.
type rawRule struct {
	Name         string   `mapstructure:"name"`
	Source       string   `mapstructure:"source"`
	Destinations []string `mapstructure:"destinations"`
	SyncOnStart  bool     `mapstructure:"sync_on_start"`
	Ignore       *string  `mapstructure:"ignore"`
	Options      string   `mapstructure:"options"`
}

// Load reads the config file at path. Global keys can be overridden with
// PROJECTSYNC_* environment variables.
func Load(path string) (*Config, error) {
	absPath, err := utils.ResolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		v.SetConfigType("toml")
	}

	v.SetDefault("debounce", DefaultDebounce)
	v.SetDefault("verbose", false)
	v.SetDefault("watcher", DefaultWatcher)
	v.SetDefault("cache_dir", DefaultCacheDir)
	v.SetDefault("rsync", DefaultRsync)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read %q: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode %q: %w", absPath, err)
	}

	var rules []rawRule
	if err := v.UnmarshalKey("sync", &rules); err != nil {
		return nil, fmt.Errorf("config decode sync rules %q: %w", absPath, err)
	}
	for _, r := range rules {
		cfg.Sync = append(cfg.Sync, r.normalize())
	}
	cfg.Path = absPath

	if cfg.CacheDir, err = utils.ExpandHome(cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("expand cache dir: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", absPath, err)
	}
	return &cfg, nil
}

func (r rawRule) normalize() Rule {
	ignore := DefaultIgnore
	if r.Ignore != nil {
		ignore = *r.Ignore
	}
	return Rule{
		Name:         strings.TrimSpace(r.Name),
		Source:       strings.TrimSpace(r.Source),
		Destinations: dedupDestinations(r.Destinations),
		SyncOnStart:  r.SyncOnStart,
		Ignore:       ignore,
		Options:      strings.TrimSpace(r.Options),
	}
}

// dedupDestinations drops blanks and repeats, keeping first-seen order.
func dedupDestinations(destinations []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(destinations))
	for _, d := range destinations {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if seen.Add(d) {
			out = append(out, d)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Debounce < 0 {
		return ErrBadDebounce
	}

	for i, rule := range c.Sync {
		if rule.Name == "" {
			return fmt.Errorf("sync rule #%d: %w", i+1, ErrMissingName)
		}
		if rule.Source == "" {
			return fmt.Errorf("sync rule %q: %w", rule.Name, ErrMissingSource)
		}
		if len(rule.Destinations) == 0 {
			slog.Warn("sync rule has no destinations", "name", rule.Name)
		}
	}

	if len(c.Sync) == 0 {
		slog.Warn("config has no sync rules", "path", c.Path)
	}
	return nil
}

// DebounceDuration returns the global debounce interval.
func (c *Config) DebounceDuration() time.Duration {
	return time.Duration(c.Debounce * float64(time.Second))
}

// FilterDestinations keeps only destinations containing filter. A rule is
// dropped once none of its destinations match.
func (c *Config) FilterDestinations(filter string) {
	if filter == "" {
		return
	}

	kept := c.Sync[:0]
	for _, rule := range c.Sync {
		var destinations []string
		for _, d := range rule.Destinations {
			if strings.Contains(d, filter) {
				destinations = append(destinations, d)
			}
		}
		if len(destinations) == 0 {
			continue
		}
		rule.Destinations = destinations
		kept = append(kept, rule)
	}
	c.Sync = kept
}
