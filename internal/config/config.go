// Package config loads treant configuration from file, environment,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the static configuration for the treant tools.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (TREANT_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// SearchTime bounds how long bundles spend relocating moved
	// members. Zero disables the bound.
	SearchTime time.Duration `mapstructure:"search_time" yaml:"search_time"`

	// Catalog configures the coordinator database.
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Daemon configures the catalog sync daemon.
	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`
}

// CatalogConfig configures the coordinator database.
type CatalogConfig struct {
	// Path is the location of the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`
}

// DaemonConfig configures the catalog sync daemon.
type DaemonConfig struct {
	// RescanInterval is how often the daemon performs a full tree
	// rescan. Zero disables periodic rescans.
	RescanInterval time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`

	// DebounceInterval is how long the daemon waits before
	// processing file changes, batching rapid updates.
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`

	// LogFile, when set, routes daemon logs to a rotating file.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		SearchTime: 10 * time.Second,
		Catalog: CatalogConfig{
			Path: filepath.Join(configDir(), "coordinator.db"),
		},
		Daemon: DaemonConfig{
			RescanInterval:   5 * time.Minute,
			DebounceInterval: 100 * time.Millisecond,
		},
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses the default
//     location; a missing file falls back to defaults)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path in YAML format.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// setupViper configures environment variable support and the config
// file search path.
//
// Environment variables use the TREANT_ prefix with underscores, for
// example TREANT_CATALOG_PATH=/data/coordinator.db.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("TREANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. A missing file is
// not an error; the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDir returns the per-user configuration directory.
func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return ".treant"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "treant")
}
