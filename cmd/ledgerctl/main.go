// Package main is the CLI entry point for the carbon ledger: a hash-chained
// record of emission measurements with Merkle-sealed audit snapshots.
//
// CLI commands (cobra):
//
//	ledgerctl ingest events FILE     - Append JSONL events to the chain
//	ledgerctl ingest records FILE    - Store JSONL emission records
//	ledgerctl verify [--since --until] - Verify the hash chain
//	ledgerctl verify event ID        - Verify one event field by field
//	ledgerctl tamper ID FIELD VALUE  - Show what editing a field would break
//	ledgerctl close-day YYYY-MM-DD   - Seal a day's events under a Merkle root
//	ledgerctl roots                  - List sealed days
//	ledgerctl snapshot ...           - Create, inspect and verify audit snapshots
//	ledgerctl serve                  - Live feed and read-only API
//	ledgerctl config ...             - Write or show configuration
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carbondna/ledger/internal/compliance"
	"github.com/carbondna/ledger/internal/config"
	"github.com/carbondna/ledger/internal/ledger"
	"github.com/carbondna/ledger/internal/snapshot"
	"github.com/carbondna/ledger/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.carbondna/, where config.yaml, rules.yaml and
// the database live by default.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carbondna"
	}
	return filepath.Join(home, ".carbondna")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Tamper-evident carbon emission ledger",
	Long: `ledgerctl maintains a hash-chained ledger of emission measurements.
Every event commits to the one before it, so editing or removing a stored
event is detectable. Emission records are sealed into audit snapshots whose
Merkle root proves exactly which records were reported.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to config and state directory",
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tamperCmd)
	rootCmd.AddCommand(closeDayCmd)
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared wiring
// ============================================================================

// app holds the components every command works with.
type app struct {
	cfg    *config.Config
	store  *store.Store
	rules  *compliance.RuleEngine
	ledger *ledger.Ledger
	snaps  *snapshot.Orchestrator
}

// openApp loads config, the compliance rules and the store.
func openApp() (*app, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory %s: %w", configDir, err)
	}
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Resolve(configDir)

	rules, err := compliance.NewRuleEngine(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("loading compliance rules: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  st,
		rules:  rules,
		ledger: ledger.New(st),
		snaps:  snapshot.NewOrchestrator(st, compliance.NewScorer(rules), snapshot.WithWorkers(cfg.Snapshot.Workers)),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp runs fn against a freshly opened app.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// ============================================================================
// ledgerctl config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or show configuration",
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and rules.yaml",
	Long: `Write a default config.yaml and a rules.yaml with a disabled example rule
into the config directory. Existing files are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", configDir, err)
		}
		for _, f := range []struct {
			name  string
			write func(string) error
		}{
			{"config.yaml", config.WriteDefault},
			{"rules.yaml", compliance.WriteDefaultRules},
		} {
			path := filepath.Join(configDir, f.name)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists, skipped\n", path)
				continue
			}
			if err := f.write(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return err
		}
		cfg.Resolve(configDir)
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}
