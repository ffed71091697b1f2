package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the shopbox server.
type Config struct {
	Port     int    // HTTP listen port
	APIKey   string // empty disables auth (development mode)
	LogLevel string

	// Persistence
	DatabaseURL string // PostgreSQL connection string; empty falls back to SQLite
	DataDir     string // Local data directory for the SQLite database

	// Sandbox containers
	SandboxImage  string // image every sandbox runs
	InternalPort  int    // port the e-commerce API listens on inside the container
	MinPort       int    // host port range, inclusive
	MaxPort       int
	MemoryLimitMB int
	CPUCount      int
	StopGraceSec  int // graceful stop window before SIGKILL

	// Health probe baked into each container
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthRetries  int

	// Externally visible URL template: instance URL = BaseURL:port
	BaseURL string

	// Reaper
	ReapInterval  time.Duration // sweep period
	OrphanGrace   time.Duration // minimum container age before it can be reaped
	StuckCreating time.Duration // creating-records older than this are moved to error

	// Per-runtime-call timeout for Docker operations
	DockerTimeout time.Duration

	// NATS lifecycle event stream (optional)
	NATSURL string

	// Prometheus /metrics listen address (empty disables)
	MetricsAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("SHOPBOX_API_KEY"),
		LogLevel: envOrDefault("SHOPBOX_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("SHOPBOX_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DataDir:     envOrDefault("SHOPBOX_DATA_DIR", "/data/shopbox"),

		SandboxImage:  envOrDefault("SHOPBOX_SANDBOX_IMAGE", "shopboxhq/store-api:latest"),
		InternalPort:  envOrDefaultInt("SHOPBOX_INTERNAL_PORT", 3000),
		MinPort:       envOrDefaultInt("SHOPBOX_MIN_PORT", 3001),
		MaxPort:       envOrDefaultInt("SHOPBOX_MAX_PORT", 3100),
		MemoryLimitMB: envOrDefaultInt("SHOPBOX_MEMORY_LIMIT_MB", 256),
		CPUCount:      envOrDefaultInt("SHOPBOX_CPU_COUNT", 1),
		StopGraceSec:  envOrDefaultInt("SHOPBOX_STOP_GRACE_SEC", 10),

		HealthInterval: envOrDefaultDuration("SHOPBOX_HEALTH_INTERVAL", 30*time.Second),
		HealthTimeout:  envOrDefaultDuration("SHOPBOX_HEALTH_TIMEOUT", 5*time.Second),
		HealthRetries:  envOrDefaultInt("SHOPBOX_HEALTH_RETRIES", 3),

		BaseURL: envOrDefault("SHOPBOX_BASE_URL", "http://localhost"),

		ReapInterval:  envOrDefaultDuration("SHOPBOX_REAP_INTERVAL", 60*time.Second),
		OrphanGrace:   envOrDefaultDuration("SHOPBOX_ORPHAN_GRACE", 120*time.Second),
		StuckCreating: envOrDefaultDuration("SHOPBOX_STUCK_CREATING", 10*time.Minute),

		DockerTimeout: envOrDefaultDuration("SHOPBOX_DOCKER_TIMEOUT", 30*time.Second),

		NATSURL:     os.Getenv("SHOPBOX_NATS_URL"),
		MetricsAddr: envOrDefault("SHOPBOX_METRICS_ADDR", ":9091"),
	}

	if portStr := os.Getenv("SHOPBOX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SHOPBOX_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.MinPort <= 0 || cfg.MaxPort < cfg.MinPort {
		return nil, fmt.Errorf("invalid port range [%d, %d]", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.InternalPort <= 0 {
		return nil, fmt.Errorf("invalid internal port %d", cfg.InternalPort)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
