// Package config loads process configuration from the environment and holds
// the runtime automation switch backing the orchestrator's kill switch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage driver names accepted by OPX_STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	RulesDir        string
	StorageDriver   string
	SQLitePath      string
	PostgresDSN     string
	RedisAddr       string
	JWTSecret       string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// FromEnv reads configuration with defaults suitable for local development.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:        envOr("OPX_HTTP_ADDR", ":8080"),
		LogLevel:        envOr("OPX_LOG_LEVEL", "INFO"),
		RulesDir:        envOr("OPX_RULES_DIR", "./rules"),
		StorageDriver:   envOr("OPX_STORAGE_DRIVER", DriverMemory),
		SQLitePath:      envOr("OPX_SQLITE_PATH", "./opx.db"),
		PostgresDSN:     os.Getenv("OPX_POSTGRES_DSN"),
		RedisAddr:       os.Getenv("OPX_REDIS_ADDR"),
		JWTSecret:       os.Getenv("OPX_JWT_SECRET"),
		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	if cfg.RateLimitRPS, err = envFloat("OPX_RATE_LIMIT_RPS", 5); err != nil {
		return Config{}, err
	}
	burst, err := envFloat("OPX_RATE_LIMIT_BURST", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitBurst = int(burst)

	switch cfg.StorageDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return Config{}, fmt.Errorf("config: unknown storage driver %q", cfg.StorageDriver)
	}
	if cfg.StorageDriver == DriverPostgres && cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("config: OPX_POSTGRES_DSN required for the postgres driver")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
