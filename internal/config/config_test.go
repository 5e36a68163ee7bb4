package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnBadIntervals(t *testing.T) {
	t.Setenv("DRAIN_INTERVAL_SECONDS", "nope")
	t.Setenv("PROBE_INTERVAL_SECONDS", "-3")
	t.Setenv("REFUND_RESTOCKS_INVENTORY", "true")

	cfg := Load()
	if cfg.DrainInterval() != 15*time.Second {
		t.Fatalf("expected default drain interval, got %s", cfg.DrainInterval())
	}
	if cfg.ProbeInterval() != 10*time.Second {
		t.Fatalf("expected default probe interval, got %s", cfg.ProbeInterval())
	}
	if !cfg.RefundRestocksInventory {
		t.Fatalf("expected refund restock policy from env")
	}
}

func TestLoadFileOverlaysTerminalSettings(t *testing.T) {
	t.Setenv("TERMINAL_ID", "from-env")
	t.Setenv("GATEWAY_URL", "http://env-gateway:8080")

	path := filepath.Join(t.TempDir(), "terminal.yaml")
	content := "terminal_id: front-counter\ngateway_url: http://gateway.local:9000/\ndrain_interval_seconds: 5\nrefund_restocks_inventory: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.TerminalID != "front-counter" {
		t.Fatalf("expected yaml terminal id, got %s", cfg.TerminalID)
	}
	if cfg.GatewayURL != "http://gateway.local:9000" {
		t.Fatalf("expected trimmed gateway url, got %s", cfg.GatewayURL)
	}
	if cfg.DrainInterval() != 5*time.Second {
		t.Fatalf("expected 5s drain interval, got %s", cfg.DrainInterval())
	}
	if !cfg.RefundRestocksInventory {
		t.Fatalf("expected refund restock policy from yaml")
	}
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
