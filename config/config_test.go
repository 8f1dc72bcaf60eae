package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Queue.MinDelayMs != 1000 || cfg.Queue.MaxDelayMs != 10000 {
		t.Fatalf("unexpected delay defaults: %d-%d", cfg.Queue.MinDelayMs, cfg.Queue.MaxDelayMs)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.MessagesPerMinute != 10 || cfg.Queue.BurstLimit != 3 {
		t.Fatalf("unexpected rate defaults: %d/%d", cfg.Queue.MessagesPerMinute, cfg.Queue.BurstLimit)
	}
	if !cfg.Queue.TypingDelay {
		t.Fatal("typing delay should default on")
	}
	if cfg.Queue.ProcessInterval() != 2*time.Second {
		t.Fatalf("process interval = %v", cfg.Queue.ProcessInterval())
	}
	if cfg.Health.WarmupDuration() != 30*time.Minute {
		t.Fatalf("warmup duration = %v", cfg.Health.WarmupDuration())
	}
	if cfg.Web.Port != 1816 {
		t.Fatalf("web port = %d", cfg.Web.Port)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.MaxAttempts != Default().Queue.MaxAttempts {
		t.Fatal("missing file should fall back to defaults")
	}
}

func TestLoadConfigFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wagate.yml")
	content := []byte(`
queue:
  max_attempts: 5
  messages_per_minute: 20
web:
  port: 9090
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.MessagesPerMinute != 20 {
		t.Fatalf("messages per minute = %d, want 20", cfg.Queue.MessagesPerMinute)
	}
	if cfg.Web.Port != 9090 {
		t.Fatalf("web port = %d, want 9090", cfg.Web.Port)
	}
	// Untouched values keep their defaults.
	if cfg.Queue.MinDelayMs != 1000 {
		t.Fatalf("min delay = %d, want default 1000", cfg.Queue.MinDelayMs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wagate.yml")
	if err := os.WriteFile(path, []byte("queue:\n  max_attempts: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAGATE_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("WAGATE_REDIS_ADDR", "10.0.0.5:6380")
	t.Setenv("WAGATE_QUEUE_TYPING_DELAY", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d, want env value 7", cfg.Queue.MaxAttempts)
	}
	if cfg.Redis.Addr != "10.0.0.5:6380" {
		t.Fatalf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Queue.TypingDelay {
		t.Fatal("typing delay env override not applied")
	}
}
