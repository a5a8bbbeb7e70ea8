// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.BrowserCount != 4 {
		t.Fatalf("expected default browser count 4, got %d", cfg.Worker.BrowserCount)
	}
	if cfg.Postgres.DSN == "" {
		t.Fatalf("expected default postgres dsn")
	}
	if cfg.Worker.MaxObjectWorkers != 3 {
		t.Fatalf("expected default object cap 3, got %d", cfg.Worker.MaxObjectWorkers)
	}
	if cfg.Validation.MinValidatedItems != 5 {
		t.Fatalf("expected default min validated items 5, got %d", cfg.Validation.MinValidatedItems)
	}
}

func TestLoadFromFile(t *testing.T) {
	doc := map[string]any{
		"worker": map[string]any{
			"browser_count":      2,
			"max_object_workers": 7,
			"reparse_mode":       true,
		},
		"validation": map[string]any{
			"min_validated_items": 8,
		},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.BrowserCount != 2 || cfg.Worker.MaxObjectWorkers != 7 {
		t.Fatalf("file overrides not applied: %+v", cfg.Worker)
	}
	if !cfg.Worker.ReparseMode {
		t.Fatal("reparse_mode override not applied")
	}
	if cfg.Validation.MinValidatedItems != 8 {
		t.Fatalf("validation override not applied: %d", cfg.Validation.MinValidatedItems)
	}
	// Untouched sections keep defaults.
	if cfg.Worker.HeartbeatTimeout != 5*time.Minute {
		t.Fatalf("default heartbeat timeout lost: %v", cfg.Worker.HeartbeatTimeout)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Postgres.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	cfg = defaultConfig()
	cfg.Worker.MaxObjectWorkers = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_object_workers < 1")
	}
	cfg = defaultConfig()
	cfg.Worker.HeartbeatInterval = 3 * time.Second
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat interval < 5s")
	}
	cfg = defaultConfig()
	cfg.Worker.HeartbeatTimeout = cfg.Worker.HeartbeatInterval
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat timeout <= interval")
	}
	cfg = defaultConfig()
	cfg.AI.Provider = "unknown"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown ai provider")
	}
}
