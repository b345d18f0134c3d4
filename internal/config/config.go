// Package config loads the sync engine's configuration from a YAML file
// and SYNCD_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's configuration surface.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string `mapstructure:"base_url"`

	// WebSocketURL is the realtime endpoint. Derived from BaseURL when
	// empty.
	WebSocketURL string `mapstructure:"ws_url"`

	// DatabasePath is where the embedded store lives.
	DatabasePath string `mapstructure:"database_path"`

	// UserID identifies the account on sync calls.
	UserID string `mapstructure:"user_id"`

	// AccessToken and RefreshToken come from the application's login
	// flow.
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`

	// SyncInterval is the periodic sync cadence. 30s suits low-churn
	// entities; bulkier ones can stretch to 300s.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// BatchSize caps how many queue entries one cycle pushes.
	BatchSize int `mapstructure:"batch_size"`

	// MaxRetries is the per-entry retry budget before an entry is parked.
	MaxRetries int `mapstructure:"max_retries"`

	// ConflictStrategy is one of server_wins, local_wins,
	// last_write_wins.
	ConflictStrategy string `mapstructure:"conflict_strategy"`

	// HealthTimeout and BulkTimeout bound the two request classes.
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	BulkTimeout   time.Duration `mapstructure:"bulk_timeout"`

	// EntityTypes lists the synced entity kinds and their local tables.
	EntityTypes []EntityType `mapstructure:"entity_types"`
}

// EntityType maps one wire-level entity kind to its local table.
type EntityType struct {
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`
}

// setDefaults registers every knob's default on the viper instance.
func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default still get registered so that
	// environment-only overrides survive Unmarshal.
	v.SetDefault("base_url", "")
	v.SetDefault("ws_url", "")
	v.SetDefault("user_id", "")
	v.SetDefault("access_token", "")
	v.SetDefault("refresh_token", "")
	v.SetDefault("database_path", ".pulseplan/sync.db")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("batch_size", 100)
	v.SetDefault("max_retries", 5)
	v.SetDefault("conflict_strategy", "last_write_wins")
	v.SetDefault("health_timeout", 5*time.Second)
	v.SetDefault("bulk_timeout", 30*time.Second)
}

// Load reads configuration from the given file (optional) plus SYNCD_*
// environment variables. Missing config files are fine; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("syncd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pulseplan")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.WebSocketURL == "" && cfg.BaseURL != "" {
		cfg.WebSocketURL = deriveWebSocketURL(cfg.BaseURL)
	}

	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = []EntityType{
			{Name: "alarm", Table: "alarms"},
			{Name: "task", Table: "tasks"},
			{Name: "habit_record", Table: "habit_records"},
			{Name: "board_item", Table: "board_items"},
		}
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for a live engine.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync_interval must be at least 1s")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// deriveWebSocketURL maps an http(s) API root to its ws(s) endpoint.
func deriveWebSocketURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/ws"
}
