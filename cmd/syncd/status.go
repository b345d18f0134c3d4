package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulseplan/syncengine/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Show the local store's sync state: pending queue entries per
entity, retry counts, and recorded errors.`,
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

		depth, err := st.QueueDepth()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Database: %s\n", cfg.DatabasePath)
		fmt.Printf("Pending mutations: %d\n", depth)

		if depth == 0 {
			return
		}

		entries, err := st.DequeueBatch(depth)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue entries: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		for _, entry := range entries {
			line := fmt.Sprintf("  %-8s %s/%s", entry.Action, entry.EntityType, entry.EntityID)
			if entry.RetryCount > 0 {
				line += fmt.Sprintf("  (retries: %d)", entry.RetryCount)
			}
			fmt.Println(line)
			if entry.LastError != "" {
				fmt.Printf("           last error: %s\n", entry.LastError)
			}
		}
	},
}
