package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg, problems := Load("pulse-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.ListenerPollSec != 5 {
		t.Fatalf("expected default poll interval 5, got %d", cfg.ListenerPollSec)
	}
	if cfg.ListenerMaxNotifications != 1000 {
		t.Fatalf("expected default notification capacity 1000, got %d", cfg.ListenerMaxNotifications)
	}
	if cfg.EventQueryMaxLimit != 1000 {
		t.Fatalf("expected default query cap 1000, got %d", cfg.EventQueryMaxLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("LISTENER_POLL_INTERVAL_SECONDS", "2")
	t.Setenv("LISTENER_CRASH_THRESHOLD", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	cfg, problems := Load("pulse-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ListenerPollSec != 2 {
		t.Fatalf("expected poll interval 2, got %d", cfg.ListenerPollSec)
	}
	if cfg.ListenerCrashThreshold != 3 {
		t.Fatalf("expected crash threshold 3, got %d", cfg.ListenerCrashThreshold)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
}

func TestLoadInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("LISTENER_POLL_INTERVAL_SECONDS", "zero")
	t.Setenv("HTTP_PORT", "70000")
	cfg, problems := Load("pulse-api", 8080)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
	if cfg.ListenerPollSec != 5 {
		t.Fatalf("expected default poll interval retained, got %d", cfg.ListenerPollSec)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port retained, got %d", cfg.HTTPPort)
	}
}

func TestLoadConfigFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	if err := os.WriteFile(path, []byte(`{"ENV":"test","LISTENER_POLL_INTERVAL_SECONDS":7,"ARCHIVE_RETENTION_DAYS":14}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("ARCHIVE_RETENTION_DAYS", "90")
	cfg, problems := Load("pulse-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ListenerPollSec != 7 {
		t.Fatalf("expected file value 7, got %d", cfg.ListenerPollSec)
	}
	// Environment wins over the file.
	if cfg.ArchiveRetentionDays != 90 {
		t.Fatalf("expected env override 90, got %d", cfg.ArchiveRetentionDays)
	}
}

func TestLoadMissingEnvIsAProblem(t *testing.T) {
	t.Setenv("ENV", "")
	cfg, problems := Load("pulse-api", 8080)
	if cfg.Env != "dev" {
		t.Fatalf("expected dev fallback, got %q", cfg.Env)
	}
	if len(problems) == 0 {
		t.Fatalf("expected a problem for missing ENV")
	}
}
