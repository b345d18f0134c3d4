package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseplan/syncengine/internal/connectivity"
	"github.com/pulseplan/syncengine/internal/gateway"
	"github.com/pulseplan/syncengine/internal/resolve"
	"github.com/pulseplan/syncengine/internal/store"
	"github.com/pulseplan/syncengine/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	Long: `Drain the pending mutation queue once.

This pushes queued mutations to the server, applies per-item outcomes
(acknowledgments, conflicts, errors), and exits. Useful for cron-style
setups and for debugging.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st, err := store.Open(cfg.DatabasePath, entityTypes(cfg)...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		gw, err := gateway.New(&gateway.Config{
			BaseURL:       cfg.BaseURL,
			UserID:        cfg.UserID,
			AccessToken:   cfg.AccessToken,
			RefreshToken:  cfg.RefreshToken,
			BulkTimeout:   cfg.BulkTimeout,
			HealthTimeout: cfg.HealthTimeout,
			Logger:        newLogger("[gateway] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating gateway: %v\n", err)
			os.Exit(1)
		}

		workerCfg := worker.DefaultConfig()
		workerCfg.BatchSize = cfg.BatchSize
		workerCfg.MaxRetries = cfg.MaxRetries
		workerCfg.Strategy = resolve.Strategy(cfg.ConflictStrategy)
		workerCfg.Logger = newLogger("[worker] ")

		wk, err := worker.New(st, gw, connectivity.NewHTTPProbe(gw), workerCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating worker: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		if err := wk.RunOnce(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

		stats := wk.Stats()
		fmt.Printf("Sync complete in %s: %d pending\n",
			time.Since(start).Round(time.Millisecond), stats.QueueDepth)
	},
}
