package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carbondna/ledger/internal/config"
	"github.com/carbondna/ledger/internal/feed"
)

// ============================================================================
// ledgerctl serve
// ============================================================================

var servePoll time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live feed and read-only API",
	Long: `Serve a WebSocket feed at /ws announcing appended events and sealed
snapshots, /health, and read-only JSON endpoints under /api/. Writes made by
other ledgerctl processes are picked up by polling the store.

The compliance rules file is watched and reloaded on change; a broken edit
keeps the previous rules.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePoll <= 0 {
			return fmt.Errorf("--poll must be positive, got %v", servePoll)
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.cfg.Feed.Enabled {
			return fmt.Errorf("feed is disabled in config (feed.enabled: false)")
		}
		srv := feed.New(feed.Options{Events: a.ledger, Snapshots: a.snaps})

		watcher, err := config.NewWatcher(filepath.Dir(a.cfg.Rules.Path), config.WatchTargets{
			RulesFile: filepath.Base(a.cfg.Rules.Path),
			OnRulesChange: func() {
				if err := a.rules.Reload(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to reload rules: %v\n", err)
				} else {
					fmt.Printf("Rules reloaded (%d rules)\n", a.rules.Count())
				}
			},
		})
		if err != nil {
			return fmt.Errorf("starting rules watcher: %w", err)
		}
		defer watcher.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := srv.Follow(ctx, servePoll); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: store polling stopped: %v\n", err)
			}
		}()

		addr := a.cfg.Feed.Addr()
		fmt.Printf("Feed on ws://%s/ws, API on http://%s/api/\n", addr, addr)
		fmt.Printf("Loaded %d compliance rules from %s\n", a.rules.Count(), a.cfg.Rules.Path)
		fmt.Println("Press Ctrl+C to stop")

		if err := srv.Run(ctx, addr); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		fmt.Println("Stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().DurationVar(&servePoll, "poll", time.Second, "How often to poll the store for new events")
}
