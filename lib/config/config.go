// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file for Load.
const EnvironmentVariable = "KEYSTATE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the configuration of a keystate installation.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths  PathsConfig  `yaml:"paths"`
	Daemon DaemonConfig `yaml:"daemon"`
	Store  StoreConfig  `yaml:"store"`
	Keeper KeeperConfig `yaml:"keeper"`

	// Per-environment overrides, applied after the base values.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds the fields an environment section may
// override. Empty values leave the base value alone.
type ConfigOverrides struct {
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Daemon *DaemonConfig `yaml:"daemon,omitempty"`
	Store  *StoreConfig  `yaml:"store,omitempty"`
	Keeper *KeeperConfig `yaml:"keeper,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for keystate data.
	Root string `yaml:"root"`

	// Database is the SQLite file holding logs, escrow, and receipts.
	Database string `yaml:"database"`

	// Keystore is the sealed keystore used by the CLI.
	Keystore string `yaml:"keystore"`
}

// DaemonConfig configures keystate-daemon.
type DaemonConfig struct {
	// SocketPath is the daemon's Unix socket.
	SocketPath string `yaml:"socket_path"`

	// RetryInterval is the period of the background escrow sweep.
	RetryInterval string `yaml:"retry_interval"`

	// EscrowMaxAge purges escrowed events not updated for this long.
	// Empty keeps escrowed events until an operator removes them.
	EscrowMaxAge string `yaml:"escrow_max_age"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `yaml:"log_level"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// PoolSize is the number of pooled connections.
	PoolSize int `yaml:"pool_size"`
}

// KeeperConfig configures new keystores.
type KeeperConfig struct {
	// Tier is the argon2id cost: "low", "med", or "high".
	Tier string `yaml:"tier"`

	// WorkFactor is the scrypt log2(N) for sealing. Zero uses the age
	// default.
	WorkFactor int `yaml:"work_factor"`
}

// Default returns the base configuration that a file is merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     "${HOME}/.local/share/keystate",
			Database: "${KEYSTATE_ROOT}/keystate.db",
			Keystore: "${KEYSTATE_ROOT}/keystore.age",
		},
		Daemon: DaemonConfig{
			SocketPath:    "${XDG_RUNTIME_DIR:-/run}/keystate/keystate.sock",
			RetryInterval: "30s",
			LogFormat:     "text",
			LogLevel:      "info",
		},
		Store: StoreConfig{
			PoolSize: 4,
		},
		Keeper: KeeperConfig{
			Tier: "high",
		},
	}
}

// Load loads the file named by KEYSTATE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your keystate.yaml config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// Resolve loads path when it is set, then the file named by
// KEYSTATE_CONFIG, and otherwise returns the expanded defaults. The
// binaries use it so a fresh install runs without a config file.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	if path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from path, applies the matching
// environment section, and expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Daemon: &DaemonConfig{LogFormat: "json"},
				Keeper: &KeeperConfig{Tier: "high"},
			}
		}
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		override(&c.Paths.Root, paths.Root)
		override(&c.Paths.Database, paths.Database)
		override(&c.Paths.Keystore, paths.Keystore)
	}
	if daemon := overrides.Daemon; daemon != nil {
		override(&c.Daemon.SocketPath, daemon.SocketPath)
		override(&c.Daemon.RetryInterval, daemon.RetryInterval)
		override(&c.Daemon.EscrowMaxAge, daemon.EscrowMaxAge)
		override(&c.Daemon.LogFormat, daemon.LogFormat)
		override(&c.Daemon.LogLevel, daemon.LogLevel)
	}
	if store := overrides.Store; store != nil && store.PoolSize != 0 {
		c.Store.PoolSize = store.PoolSize
	}
	if keeper := overrides.Keeper; keeper != nil {
		override(&c.Keeper.Tier, keeper.Tier)
		if keeper.WorkFactor != 0 {
			c.Keeper.WorkFactor = keeper.WorkFactor
		}
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["KEYSTATE_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Keystore = expandVars(c.Paths.Keystore, vars)
	c.Daemon.SocketPath = expandVars(c.Daemon.SocketPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors and reports all of
// them.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}
	if c.Daemon.SocketPath == "" {
		errs = append(errs, fmt.Errorf("daemon.socket_path is required"))
	}
	if interval, err := time.ParseDuration(c.Daemon.RetryInterval); err != nil || interval <= 0 {
		errs = append(errs, fmt.Errorf("daemon.retry_interval must be a positive duration, got %q", c.Daemon.RetryInterval))
	}
	if c.Daemon.EscrowMaxAge != "" {
		if age, err := time.ParseDuration(c.Daemon.EscrowMaxAge); err != nil || age <= 0 {
			errs = append(errs, fmt.Errorf("daemon.escrow_max_age must be a positive duration, got %q", c.Daemon.EscrowMaxAge))
		}
	}
	if !slices.Contains([]string{"text", "json"}, c.Daemon.LogFormat) {
		errs = append(errs, fmt.Errorf("daemon.log_format must be text or json, got %q", c.Daemon.LogFormat))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be at least 1"))
	}
	if !slices.Contains([]string{"low", "med", "high"}, c.Keeper.Tier) {
		errs = append(errs, fmt.Errorf("keeper.tier must be low, med, or high, got %q", c.Keeper.Tier))
	}
	if c.Keeper.WorkFactor < 0 || c.Keeper.WorkFactor > 30 {
		errs = append(errs, fmt.Errorf("keeper.work_factor must be between 0 and 30"))
	}
	return errors.Join(errs...)
}

// RetryInterval returns the parsed escrow sweep period.
func (c *Config) RetryInterval() time.Duration {
	interval, _ := time.ParseDuration(c.Daemon.RetryInterval)
	return interval
}

// EscrowMaxAge returns the parsed escrow purge age, or zero when
// escrowed events are kept indefinitely.
func (c *Config) EscrowMaxAge() time.Duration {
	if c.Daemon.EscrowMaxAge == "" {
		return 0
	}
	age, _ := time.ParseDuration(c.Daemon.EscrowMaxAge)
	return age
}

// LogLevel parses the daemon log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Daemon.LogLevel)); err != nil {
		return 0, fmt.Errorf("daemon.log_level: %w", err)
	}
	return level, nil
}

// EnsurePaths creates the directories holding the database, keystore,
// and socket.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, filepath.Dir(c.Paths.Database), filepath.Dir(c.Paths.Keystore), filepath.Dir(c.Daemon.SocketPath)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
