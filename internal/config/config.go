// Package config handles loading, validating, and writing the ledger
// configuration from ~/.carbondna/config.yaml.
//
// The config defines:
//   - Where the SQLite store lives
//   - How many workers score records during snapshot creation
//   - The live feed bind address
//   - The compliance rules file
//
// Relative paths are resolved against the config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ledger configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Feed     FeedConfig     `yaml:"feed"`
	Rules    RulesConfig    `yaml:"rules"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SnapshotConfig tunes snapshot creation.
//
// Workers bounds parallel per-record scoring; 0 means one per CPU.
// CreatedBy is recorded on snapshots when the caller names no one.
type SnapshotConfig struct {
	Workers   int    `yaml:"workers"`
	CreatedBy string `yaml:"createdBy"`
}

// FeedConfig controls the live feed server started by `ledgerctl serve`.
// Default: 127.0.0.1:3200 (loopback only).
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// RulesConfig locates the compliance rules file.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// Addr returns the feed's host:port.
func (f FeedConfig) Addr() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

// Resolve makes relative store and rules paths absolute under dir.
func (c *Config) Resolve(dir string) {
	c.Store.Path = resolve(dir, c.Store.Path)
	c.Rules.Path = resolve(dir, c.Rules.Path)
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `ledgerctl config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Carbon ledger configuration
#
# store:
#   path: SQLite database, relative to this directory (default: ledger.db)
#
# snapshot:
#   workers: Parallel scoring workers per snapshot (0 = one per CPU)
#   createdBy: Default creator recorded on snapshots
#
# feed:
#   enabled: Serve the live feed from 'ledgerctl serve'
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# rules:
#   path: Compliance rules file, hot-reloaded on change (default: rules.yaml)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "ledger.db",
		},
		Snapshot: SnapshotConfig{
			Workers:   0,
			CreatedBy: "ledgerctl",
		},
		Feed: FeedConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3200,
		},
		Rules: RulesConfig{
			Path: "rules.yaml",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Snapshot.Workers < 0 {
		return fmt.Errorf("snapshot.workers must be non-negative")
	}
	if cfg.Feed.Enabled {
		if cfg.Feed.Host == "" {
			return fmt.Errorf("feed.host must not be empty")
		}
		if cfg.Feed.Port < 1 || cfg.Feed.Port > 65535 {
			return fmt.Errorf("feed.port %d out of range (1-65535)", cfg.Feed.Port)
		}
	}
	return nil
}
