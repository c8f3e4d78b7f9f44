// Package config reads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config collects everything the sync engine needs at startup.
type Config struct {
	APIBaseURL      string // e.g. https://api.lume.app
	WSURL           string // e.g. wss://api.lume.app/api/v1/sync/ws
	APIKey          string
	DeviceSecret    string // seals the credential file
	DBPath          string
	CredentialsPath string

	SyncInterval    time.Duration
	BatchSize       int
	Concurrency     int
	MaxAttempts     int
	HeartbeatEvery  time.Duration
	ExpectedLatency time.Duration
	PollInterval    time.Duration
}

// Load reads configuration from environment variables, with a .env file as
// optional source for local runs.
func Load() (*Config, error) {
	_ = godotenv.Load()

	base := os.Getenv("LUME_API_BASE_URL")
	if base == "" {
		return nil, fmt.Errorf("LUME_API_BASE_URL is required")
	}
	wsURL := os.Getenv("LUME_WS_URL")
	if wsURL == "" {
		return nil, fmt.Errorf("LUME_WS_URL is required")
	}
	apiKey := os.Getenv("LUME_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("LUME_API_KEY is required")
	}
	secret := os.Getenv("LUME_DEVICE_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("LUME_DEVICE_SECRET is required")
	}

	cfg := &Config{
		APIBaseURL:      base,
		WSURL:           wsURL,
		APIKey:          apiKey,
		DeviceSecret:    secret,
		DBPath:          envOr("LUME_DB_PATH", "lume-sync.db"),
		CredentialsPath: envOr("LUME_CREDENTIALS_PATH", "lume-credentials.bin"),
		SyncInterval:    envDuration("LUME_SYNC_INTERVAL", 30*time.Second),
		BatchSize:       envInt("LUME_BATCH_SIZE", 10),
		Concurrency:     envInt("LUME_CONCURRENCY", 3),
		MaxAttempts:     envInt("LUME_MAX_ATTEMPTS", 5),
		HeartbeatEvery:  envDuration("LUME_HEARTBEAT_INTERVAL", 30*time.Second),
		ExpectedLatency: envDuration("LUME_EXPECTED_LATENCY", 45*time.Second),
		PollInterval:    envDuration("LUME_POLL_INTERVAL", 15*time.Second),
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
