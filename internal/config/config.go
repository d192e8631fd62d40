package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends for locally applied replication values.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only when
// LOCAL_STORE=postgres.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Replication sources: delimiter-separated [queue:]host:port:protocol
	// entries, grouped by queue at startup. Entries without an explicit
	// queue name fall into DefaultQueue.
	PeerList     string
	DefaultQueue string

	// Default fetch workers per queue (overridable per queue via the API).
	WorkerCount int

	// Adaptive backoff tunables, in milliseconds.
	StartingDelayMs   int64
	MaxSuccessDelayMs int64
	OnErrorDelayMs    int64

	// Interval between per-queue summary log lines (stats reset each cycle).
	ReportInterval time.Duration

	// Outbound fetch pacing: maximum fetches per second per protocol.
	FetchRatePerProtocol int
	// Deadline applied to each individual remote fetch or local apply.
	FetchTimeout time.Duration

	// Local store backend
	LocalStore  string
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		PeerList:     os.Getenv("PEER_LIST"),
		DefaultQueue: getEnv("DEFAULT_QUEUE", "default"),
		WorkerCount:  getInt("WORKER_COUNT", 5),

		StartingDelayMs:   int64(getInt("STARTING_DELAY_MS", 8)),
		MaxSuccessDelayMs: int64(getInt("MAX_SUCCESS_DELAY_MS", 1024)),
		OnErrorDelayMs:    int64(getInt("ON_ERROR_DELAY_MS", 65536)),

		ReportInterval: getDuration("REPORT_INTERVAL", 60*time.Second),

		FetchRatePerProtocol: getInt("FETCH_RATE_PER_PROTOCOL", 100),
		FetchTimeout:         getDuration("FETCH_TIMEOUT", 10*time.Second),

		LocalStore:  getEnv("LOCAL_STORE", StoreMemory),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),
	}

	switch cfg.LocalStore {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when LOCAL_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown LOCAL_STORE %q: must be memory or postgres", cfg.LocalStore)
	}

	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
