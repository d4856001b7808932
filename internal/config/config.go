// Package config loads AsyncGate's runtime configuration from the
// environment, following pkg/config/config.go's "os.Getenv with a sane
// local default" shape.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds asyncgated's runtime configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	StoreBackend string // "postgres" | "sqlite" | "memory"
	SQLitePath   string

	DefaultLeaseTTL   time.Duration
	MaxLeaseRenewals  int
	MaxLeaseLifetime  time.Duration
	SweepInterval     time.Duration
	SweepBatchLimit   int
	MaxRetryBackoff   time.Duration

	JWTPublicKeyPEM string
	RedisURL        string
	RateLimitRPS    float64
	RateLimitBurst  int

	S3Bucket string
	S3Region string

	// PolicyOverridePath optionally points to a YAML file overriding the
	// compiled-in termination table's effective defaults (REDESIGN FLAGS).
	PolicyOverridePath string

	InstanceID string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load reads Config from the environment, falling back to local
// development defaults the same way pkg/config/config.go does.
func Load() *Config {
	return &Config{
		Port:         getenv("PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:  getenv("DATABASE_URL", "postgres://asyncgate@localhost:5432/asyncgate?sslmode=disable"),
		StoreBackend: getenv("STORE_BACKEND", "postgres"),
		SQLitePath:   getenv("SQLITE_PATH", "./asyncgate.db"),

		DefaultLeaseTTL:  getenvDuration("DEFAULT_LEASE_TTL", 120*time.Second),
		MaxLeaseRenewals: getenvInt("MAX_LEASE_RENEWALS", 10),
		MaxLeaseLifetime: getenvDuration("MAX_LEASE_LIFETIME", 2*time.Hour),
		SweepInterval:    getenvDuration("SWEEP_INTERVAL", 15*time.Second),
		SweepBatchLimit:  getenvInt("SWEEP_BATCH_LIMIT", 500),
		MaxRetryBackoff:  getenvDuration("MAX_RETRY_BACKOFF", 15*time.Minute),

		JWTPublicKeyPEM: os.Getenv("JWT_PUBLIC_KEY_PEM"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RateLimitRPS:    getenvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:  getenvInt("RATE_LIMIT_BURST", 100),

		S3Bucket: os.Getenv("ARTIFACTS_S3_BUCKET"),
		S3Region: getenv("ARTIFACTS_S3_REGION", "us-east-1"),

		PolicyOverridePath: os.Getenv("POLICY_OVERRIDE_PATH"),

		InstanceID: getenv("INSTANCE_ID", "asyncgate-0"),
	}
}
