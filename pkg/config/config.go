// Package config loads server configuration from the environment and
// materialization policy profiles from YAML. Missing required variables are
// startup errors; the fabric does not degrade into a half-configured state.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Driver names for the pluggable capabilities.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	RuntimePort string
	LogLevel    slog.Level

	RowDriver string
	RowDSN    string

	PubSubDriver string
	RedisURL     string

	GraphEndpoint string

	// Blob backend selection stays with the capability factory
	// (BLOB_BACKEND, BLOB_S3_BUCKET, ...); the endpoint is surfaced here
	// for health reporting.
	BlobEndpoint string

	TokenSecret string

	OTLPEndpoint string

	Workers        int
	QueueHighWater int

	RateLimitRPS   int
	RateLimitBurst int

	ProfilesDir   string
	PurgeInterval time.Duration
	PurgeTenants  []string
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		RuntimePort:    envDefault("RUNTIME_PORT", "8080"),
		RowDriver:      envDefault("ROW_DRIVER", DriverMemory),
		RowDSN:         os.Getenv("ROW_DSN"),
		PubSubDriver:   envDefault("PUBSUB_DRIVER", DriverMemory),
		RedisURL:       os.Getenv("REDIS_URL"),
		GraphEndpoint:  os.Getenv("GRAPH_ENDPOINT"),
		BlobEndpoint:   os.Getenv("BLOB_ENDPOINT"),
		TokenSecret:    os.Getenv("TOKEN_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilesDir:    os.Getenv("POLICY_PROFILES_DIR"),
	}

	level, err := parseLogLevel(envDefault("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.Workers, err = envInt("RUNTIME_WORKERS", 8); err != nil {
		return Config{}, err
	}
	if cfg.QueueHighWater, err = envInt("RUNTIME_QUEUE_HWM", 64); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRPS, err = envInt("EDGE_RATE_LIMIT_RPS", 20); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = envInt("EDGE_RATE_LIMIT_BURST", 40); err != nil {
		return Config{}, err
	}
	if cfg.PurgeInterval, err = envDuration("PURGE_INTERVAL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if tenants := os.Getenv("PURGE_TENANTS"); tenants != "" {
		for _, t := range strings.Split(tenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.PurgeTenants = append(cfg.PurgeTenants, t)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.RowDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.RowDSN == "" {
			return fmt.Errorf("ROW_DSN is required when ROW_DRIVER=%s", c.RowDriver)
		}
	default:
		return fmt.Errorf("unsupported ROW_DRIVER %q", c.RowDriver)
	}

	switch c.PubSubDriver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUBSUB_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unsupported PUBSUB_DRIVER %q", c.PubSubDriver)
	}

	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported LOG_LEVEL %q", raw)
	}
}
