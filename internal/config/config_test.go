package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if cfg.Vendor != "claude" || cfg.WindowCap != 200 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "vendor: opencode\nwindow_cap: 50\ncopilot:\n  url: wss://bridge.local/feed\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendor != "opencode" || cfg.WindowCap != 50 {
		t.Fatalf("values not loaded: %+v", cfg)
	}
	if cfg.Copilot.URL != "wss://bridge.local/feed" {
		t.Fatalf("nested section not loaded: %+v", cfg.Copilot)
	}
	if cfg.Maintenance.PresenceTTLSeconds != 90 {
		t.Fatalf("default not layered for unset field: %+v", cfg.Maintenance)
	}
}

func TestLoad_GarbageErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("vendor: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error for malformed yaml")
	}
}
