package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Fatalf("unexpected default port %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Fatalf("unexpected read timeout %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.HeartbeatTimeout != 60*time.Second {
		t.Fatalf("unexpected heartbeat timeout %s", cfg.Server.HeartbeatTimeout)
	}
	if cfg.Discovery.Service != "_msrhub._tcp" {
		t.Fatalf("unexpected discovery service %q", cfg.Discovery.Service)
	}
	if cfg.Files.Dir != "recordings" {
		t.Fatalf("unexpected files dir %q", cfg.Files.Dir)
	}
}

func TestLoadReadsFileAndKeepsUnsetDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9100
  read_timeout: 10s
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Fatalf("port not loaded: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Fatalf("read timeout not loaded: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level not loaded: %q", cfg.Log.Level)
	}
	// Unset sections keep defaults.
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat interval default lost: %s", cfg.Server.HeartbeatInterval)
	}
	if !cfg.API.Enabled || cfg.API.Port != 8080 {
		t.Fatalf("api defaults lost: %+v", cfg.API)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MSRHUB_PORT", "9200")
	t.Setenv("MSRHUB_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Fatalf("env override lost: %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("env override lost: %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid port to fail validation")
	}
}

func TestLoadRejectsHeartbeatTimeoutBelowInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  heartbeat_interval: 30s\n  heartbeat_timeout: 10s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected heartbeat validation to fail")
	}
}
