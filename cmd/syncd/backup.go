package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulseplan/syncengine/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export local entity state as JSONL",
	Long: `Write every entity row (tombstones included) as one JSON object
per line. Writes to stdout when no file is given.

This is a local backup of device state, not a wire format: the dirty flag
and acknowledgment timestamps survive the round trip.`,
	Args: cobra.MaximumNArgs(1),
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

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		result, err := st.ExportJSONL(context.Background(), out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "Exported %d entities\n", result.Entities)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore local entity state from a JSONL backup",
	Args:  cobra.ExactArgs(1),
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

		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening backup: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		result, err := st.ImportJSONL(context.Background(), f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Imported %d entities\n", result.Entities)
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
		}
	},
}
