package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Engine.ExecutionTimeout != time.Hour {
		t.Fatalf("execution timeout = %v", cfg.Engine.ExecutionTimeout)
	}
	if cfg.Retention.VersionsKept != 10 {
		t.Fatalf("versions kept = %d", cfg.Retention.VersionsKept)
	}
	if cfg.Auth.MaxLoginAttempts != 5 {
		t.Fatalf("max login attempts = %d", cfg.Auth.MaxLoginAttempts)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("listen_addr: \":9090\"\nlog_level: debug\nengine:\n  workers: 2\n")
	if err := os.WriteFile(path, body, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLOWPILOT_LISTEN_ADDR", ":7070")
	t.Setenv("FLOWPILOT_SMTP_HOST", "mail.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env should beat file, got %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Engine.Workers != 2 {
		t.Fatalf("workers = %d", cfg.Engine.Workers)
	}
	if cfg.SMTP.Host != "mail.example.com" {
		t.Fatalf("smtp host = %q", cfg.SMTP.Host)
	}
	// Untouched fields keep defaults.
	if cfg.Engine.QueueSize != 256 {
		t.Fatalf("queue size = %d", cfg.Engine.QueueSize)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
