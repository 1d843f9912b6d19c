// Package config loads and validates service configuration from VECINO_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

const minMasterSecretLen = 32

// Config holds every runtime parameter of the access service.
type Config struct {
	// HTTP API address, e.g. ":8080".
	HTTPAddr string
	// gRPC health address; empty disables the listener.
	GRPCAddr string
	// debug, info, warn, error
	LogLevel string
	// json or text
	LogFormat string

	DatabaseURL string
	// Redis address for the shared revocation cache; empty disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MasterSecret seals organization private keys. Never logged.
	MasterSecret string
	// AuthSecret signs API bearer tokens (HS256).
	AuthSecret string

	ClockSkew            time.Duration
	EnrollmentTokenTTL   time.Duration
	EnrollmentSweep      time.Duration
	EnrollmentBaseURL    string
	AccessCodeMaxEntries int
	CryptoWorkers        int
	KeyCacheSize         int
	KeyCacheTTL          time.Duration

	RateLimitBurst     int
	RateLimitPerSecond int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads the configuration from the environment. Required variables that
// are missing and malformed values are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.HTTPAddr = getEnvDefault("VECINO_HTTP_ADDR", ":8080")
	cfg.GRPCAddr = getEnvDefault("VECINO_GRPC_ADDR", ":9090")
	cfg.LogLevel = strings.ToLower(getEnvDefault("VECINO_LOG_LEVEL", "info"))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return nil, fmt.Errorf("VECINO_LOG_LEVEL: unsupported level %q", cfg.LogLevel)
	}
	cfg.LogFormat = strings.ToLower(getEnvDefault("VECINO_LOG_FORMAT", "json"))
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("VECINO_LOG_FORMAT: unsupported format %q, want json or text", cfg.LogFormat)
	}

	if cfg.DatabaseURL, err = getEnvRequired("VECINO_DATABASE_URL"); err != nil {
		return nil, err
	}
	cfg.RedisAddr = os.Getenv("VECINO_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("VECINO_REDIS_PASSWORD")
	if cfg.RedisDB, err = getEnvInt("VECINO_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("VECINO_REDIS_DB: %w", err)
	}

	if cfg.MasterSecret, err = getEnvRequired("VECINO_MASTER_SECRET"); err != nil {
		return nil, err
	}
	if len(cfg.MasterSecret) < minMasterSecretLen {
		return nil, fmt.Errorf("VECINO_MASTER_SECRET: must be at least %d characters", minMasterSecretLen)
	}
	if cfg.AuthSecret, err = getEnvRequired("VECINO_AUTH_SECRET"); err != nil {
		return nil, err
	}

	if cfg.ClockSkew, err = getEnvDuration("VECINO_CLOCK_SKEW", 2*time.Minute); err != nil {
		return nil, fmt.Errorf("VECINO_CLOCK_SKEW: %w", err)
	}
	if cfg.EnrollmentTokenTTL, err = getEnvDuration("VECINO_ENROLLMENT_TOKEN_TTL", 72*time.Hour); err != nil {
		return nil, fmt.Errorf("VECINO_ENROLLMENT_TOKEN_TTL: %w", err)
	}
	if cfg.EnrollmentSweep, err = getEnvDuration("VECINO_ENROLLMENT_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("VECINO_ENROLLMENT_SWEEP_INTERVAL: %w", err)
	}
	cfg.EnrollmentBaseURL = strings.TrimRight(getEnvDefault("VECINO_ENROLLMENT_BASE_URL", "http://localhost:8080/enroll"), "/")
	if cfg.AccessCodeMaxEntries, err = getEnvInt("VECINO_ACCESS_CODE_MAX_ENTRIES", 1); err != nil {
		return nil, fmt.Errorf("VECINO_ACCESS_CODE_MAX_ENTRIES: %w", err)
	}
	if cfg.AccessCodeMaxEntries < 1 {
		return nil, errors.New("VECINO_ACCESS_CODE_MAX_ENTRIES: must be >= 1")
	}
	if cfg.CryptoWorkers, err = getEnvInt("VECINO_CRYPTO_WORKERS", 4); err != nil {
		return nil, fmt.Errorf("VECINO_CRYPTO_WORKERS: %w", err)
	}
	if cfg.CryptoWorkers < 1 {
		return nil, errors.New("VECINO_CRYPTO_WORKERS: must be >= 1")
	}
	if cfg.KeyCacheSize, err = getEnvInt("VECINO_KEY_CACHE_SIZE", 256); err != nil {
		return nil, fmt.Errorf("VECINO_KEY_CACHE_SIZE: %w", err)
	}
	if cfg.KeyCacheTTL, err = getEnvDuration("VECINO_KEY_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("VECINO_KEY_CACHE_TTL: %w", err)
	}

	if cfg.RateLimitBurst, err = getEnvInt("VECINO_RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("VECINO_RATE_LIMIT_BURST: %w", err)
	}
	if cfg.RateLimitPerSecond, err = getEnvInt("VECINO_RATE_LIMIT_RPS", 10); err != nil {
		return nil, fmt.Errorf("VECINO_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.HTTPReadTimeout, err = getEnvDuration("VECINO_HTTP_READ_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("VECINO_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("VECINO_HTTP_WRITE_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("VECINO_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("VECINO_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("VECINO_SHUTDOWN_TIMEOUT: %w", err)
	}
	return cfg, nil
}

// DatabaseDSN returns the connection string for database/sql with the pgx driver.
func (c *Config) DatabaseDSN() string {
	return c.DatabaseURL
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("http=%s grpc=%s log=%s/%s redis=%q skew=%s enrollment_ttl=%s max_entries=%d crypto_workers=%d master_secret=%s",
		c.HTTPAddr, c.GRPCAddr, c.LogLevel, c.LogFormat, c.RedisAddr, c.ClockSkew,
		c.EnrollmentTokenTTL, c.AccessCodeMaxEntries, c.CryptoWorkers, mask(c.MasterSecret))
}

func mask(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}

func getEnvRequired(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return "", fmt.Errorf("%s: required environment variable is not set", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use Go format: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %q", val)
	}
	return d, nil
}
