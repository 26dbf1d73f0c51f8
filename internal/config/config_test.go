package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("WORKER_CONCURRENCY", "")
	cfg := Load()
	if cfg.DBDriver != "mysql" {
		t.Fatalf("expected mysql driver, got %q", cfg.DBDriver)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("expected default concurrency 2, got %d", cfg.WorkerConcurrency)
	}
	if cfg.GenerationTimeout != 2*time.Minute {
		t.Fatalf("unexpected generation timeout %s", cfg.GenerationTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("LEASE_TTL", "1500")
	t.Setenv("GENERATION_TIMEOUT", "45s")
	t.Setenv("RABBIT_ENABLED", "off")
	cfg := Load()
	if cfg.DBDriver != "postgres" || cfg.DBDSN == "" {
		t.Fatalf("postgres default dsn not applied: %q %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.WorkerConcurrency != 50 {
		t.Fatalf("concurrency should clamp to 50, got %d", cfg.WorkerConcurrency)
	}
	if cfg.LeaseTTL != 1500*time.Millisecond {
		t.Fatalf("bare milliseconds not parsed: %s", cfg.LeaseTTL)
	}
	if cfg.GenerationTimeout != 45*time.Second {
		t.Fatalf("duration not parsed: %s", cfg.GenerationTimeout)
	}
	if cfg.RabbitEnabled {
		t.Fatalf("RABBIT_ENABLED=off should disable rabbit")
	}
}
