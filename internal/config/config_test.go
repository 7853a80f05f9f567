package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.URL != "http://localhost:8080" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Server.Timeout != 15*time.Second || cfg.Server.DownloadTimeout != 60*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.Server.Timeout, cfg.Server.DownloadTimeout)
	}
	if cfg.Store.Driver != DriverFS {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if got := cfg.StorePath(); got != filepath.Join(filepath.Dir(path), "credentials.json") {
		t.Errorf("StorePath() = %q", got)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  url: https://portal.example.com
  timeout: 5s
store:
  driver: sqlite
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTALCTL_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.URL != "https://portal.example.com" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Server.Timeout != 5*time.Second {
		t.Errorf("Server.Timeout = %v", cfg.Server.Timeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("env override not applied, Log.Level = %q", cfg.Log.Level)
	}
	if !strings.HasSuffix(cfg.StorePath(), "credentials.db") {
		t.Errorf("StorePath() = %q", cfg.StorePath())
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("store:\n  driver: redis\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown store driver")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Server.URL = "https://saved.example.com"
	cfg.Server.RefreshTimeout = 7 * time.Second
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reloaded.Server.URL != "https://saved.example.com" {
		t.Errorf("Server.URL = %q", reloaded.Server.URL)
	}
	if reloaded.Server.RefreshTimeout != 7*time.Second {
		t.Errorf("Server.RefreshTimeout = %v", reloaded.Server.RefreshTimeout)
	}
}
