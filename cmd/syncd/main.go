// Command syncd runs the local-first sync engine: it drains the durable
// mutation queue to the remote service, resolves version conflicts, and
// merges server-pushed updates into the embedded local store.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pulseplan/syncengine/internal/config"
	"github.com/pulseplan/syncengine/internal/entity"
)

var (
	configPath string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Local-first sync engine daemon",
	Long: `syncd keeps the local database and the remote service in sync.

Mutations made while offline are queued durably and pushed when
connectivity returns; version conflicts are resolved with the configured
strategy; updates from other devices arrive over a realtime channel.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./syncd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration shared by all commands.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// entityTypes converts the configured types into store registrations.
func entityTypes(cfg *config.Config) []entity.Type {
	types := make([]entity.Type, 0, len(cfg.EntityTypes))
	for _, t := range cfg.EntityTypes {
		types = append(types, entity.Type{Name: t.Name, Table: t.Table})
	}
	return types
}

// newLogger builds the daemon logger, rotating through lumberjack when a
// log file is configured.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}
