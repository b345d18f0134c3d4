package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pulseplan/syncengine/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync engine until interrupted.

The daemon performs an initial incremental pull, then:
  1. Drains the mutation queue on the configured interval
  2. Maintains the realtime channel for server-pushed updates
  3. Resolves version conflicts with the configured strategy`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		coord, err := engine.New(cfg, entityTypes(cfg), &engine.Options{
			Logger: newLogger("[engine] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := coord.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Sync daemon running. Press Ctrl+C to stop.")
		<-ctx.Done()

		if err := coord.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping engine: %v\n", err)
			os.Exit(1)
		}
	},
}
