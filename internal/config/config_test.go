package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no stray syncd.yaml is picked up.
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DatabasePath != ".pulseplan/sync.db" {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("sync interval = %s, want 30s", cfg.SyncInterval)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("batch size = %d, want 100", cfg.BatchSize)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.ConflictStrategy != "last_write_wins" {
		t.Errorf("conflict strategy = %q", cfg.ConflictStrategy)
	}
	if len(cfg.EntityTypes) == 0 {
		t.Error("default entity types missing")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	content := `
base_url: https://api.example.com/v1
user_id: user-1
database_path: /var/lib/syncd/sync.db
sync_interval: 2m
batch_size: 50
conflict_strategy: server_wins
entity_types:
  - name: note
    table: notes
  - name: contact
    table: contacts
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BaseURL != "https://api.example.com/v1" {
		t.Errorf("base URL = %q", cfg.BaseURL)
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("sync interval = %s, want 2m", cfg.SyncInterval)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.BatchSize)
	}
	if cfg.ConflictStrategy != "server_wins" {
		t.Errorf("conflict strategy = %q", cfg.ConflictStrategy)
	}
	if len(cfg.EntityTypes) != 2 || cfg.EntityTypes[0].Name != "note" || cfg.EntityTypes[1].Table != "contacts" {
		t.Errorf("entity types = %+v", cfg.EntityTypes)
	}

	// MaxRetries untouched by the file keeps its default.
	if cfg.MaxRetries != 5 {
		t.Errorf("max retries = %d, want default 5", cfg.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with an explicit missing file should fail")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SYNCD_BATCH_SIZE", "7")
	t.Setenv("SYNCD_CONFLICT_STRATEGY", "local_wins")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BatchSize != 7 {
		t.Errorf("batch size = %d, want 7 from environment", cfg.BatchSize)
	}
	if cfg.ConflictStrategy != "local_wins" {
		t.Errorf("conflict strategy = %q, want local_wins from environment", cfg.ConflictStrategy)
	}
}

func TestDeriveWebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.example.com/v1", "wss://api.example.com/v1/ws"},
		{"https://api.example.com/v1/", "wss://api.example.com/v1/ws"},
		{"http://localhost:8080", "ws://localhost:8080/ws"},
	}

	for _, tt := range tests {
		if got := deriveWebSocketURL(tt.base); got != tt.want {
			t.Errorf("deriveWebSocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestWebSocketURLDerivedOnLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SYNCD_BASE_URL", "https://api.example.com/v1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.WebSocketURL != "wss://api.example.com/v1/ws" {
		t.Errorf("websocket URL = %q", cfg.WebSocketURL)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		BaseURL:      "https://api.example.com/v1",
		UserID:       "user-1",
		DatabasePath: "sync.db",
		SyncInterval: 30 * time.Second,
		BatchSize:    100,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, true},
		{"missing user id", func(c *Config) { c.UserID = "" }, true},
		{"missing database path", func(c *Config) { c.DatabasePath = "" }, true},
		{"interval too short", func(c *Config) { c.SyncInterval = 100 * time.Millisecond }, true},
		{"non-positive batch size", func(c *Config) { c.BatchSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
