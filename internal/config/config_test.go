package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("LUME_API_BASE_URL", "https://api.lume.test")
	t.Setenv("LUME_WS_URL", "wss://api.lume.test/api/v1/sync/ws")
	t.Setenv("LUME_API_KEY", "key-1")
	t.Setenv("LUME_DEVICE_SECRET", "secret-1")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.lume.test" {
		t.Fatalf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.DBPath != "lume-sync.db" {
		t.Fatalf("DBPath = %q, want default", cfg.DBPath)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.BatchSize != 10 || cfg.Concurrency != 3 || cfg.MaxAttempts != 5 {
		t.Fatalf("tuning = %d/%d/%d, want 10/3/5", cfg.BatchSize, cfg.Concurrency, cfg.MaxAttempts)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("PollInterval = %v, want 15s", cfg.PollInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LUME_DB_PATH", "/tmp/other.db")
	t.Setenv("LUME_SYNC_INTERVAL", "5s")
	t.Setenv("LUME_BATCH_SIZE", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("SyncInterval = %v, want 5s", cfg.SyncInterval)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("BatchSize = %d, want 25", cfg.BatchSize)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	keys := []string{"LUME_API_BASE_URL", "LUME_WS_URL", "LUME_API_KEY", "LUME_DEVICE_SECRET"}
	for _, missing := range keys {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")

			_, err := Load()
			if err == nil {
				t.Fatalf("Load succeeded without %s", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Fatalf("err = %v, want mention of %s", err, missing)
			}
		})
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("LUME_BATCH_SIZE", "lots")
	t.Setenv("LUME_SYNC_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Fatalf("BatchSize = %d, want default 10", cfg.BatchSize)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("SyncInterval = %v, want default 30s", cfg.SyncInterval)
	}
}
