package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

var configKeys = []string{
	"PORT", "LOG_LEVEL", "DATABASE_URL", "STORE_BACKEND", "SQLITE_PATH",
	"DEFAULT_LEASE_TTL", "MAX_LEASE_RENEWALS", "MAX_LEASE_LIFETIME",
	"SWEEP_INTERVAL", "SWEEP_BATCH_LIMIT", "MAX_RETRY_BACKOFF",
	"JWT_PUBLIC_KEY_PEM", "REDIS_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"ARTIFACTS_S3_BUCKET", "ARTIFACTS_S3_REGION", "POLICY_OVERRIDE_PATH", "INSTANCE_ID",
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, configKeys...)

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected default store backend postgres, got %s", cfg.StoreBackend)
	}
	if cfg.SQLitePath != "./asyncgate.db" {
		t.Fatalf("expected default sqlite path, got %s", cfg.SQLitePath)
	}
	if cfg.DefaultLeaseTTL != 120*time.Second {
		t.Fatalf("expected default lease ttl 120s, got %s", cfg.DefaultLeaseTTL)
	}
	if cfg.MaxLeaseRenewals != 10 {
		t.Fatalf("expected default max renewals 10, got %d", cfg.MaxLeaseRenewals)
	}
	if cfg.RateLimitRPS != 50 {
		t.Fatalf("expected default rate limit rps 50, got %f", cfg.RateLimitRPS)
	}
	if cfg.JWTPublicKeyPEM != "" || cfg.RedisURL != "" || cfg.PolicyOverridePath != "" {
		t.Fatal("expected optional unset fields to default to empty")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t, configKeys...)
	os.Setenv("PORT", "9090")
	os.Setenv("STORE_BACKEND", "memory")
	os.Setenv("MAX_LEASE_RENEWALS", "7")
	os.Setenv("DEFAULT_LEASE_TTL", "30s")
	os.Setenv("RATE_LIMIT_RPS", "12.5")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port 9090, got %s", cfg.Port)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected overridden store backend memory, got %s", cfg.StoreBackend)
	}
	if cfg.MaxLeaseRenewals != 7 {
		t.Fatalf("expected overridden max renewals 7, got %d", cfg.MaxLeaseRenewals)
	}
	if cfg.DefaultLeaseTTL != 30*time.Second {
		t.Fatalf("expected overridden lease ttl 30s, got %s", cfg.DefaultLeaseTTL)
	}
	if cfg.RateLimitRPS != 12.5 {
		t.Fatalf("expected overridden rate limit rps 12.5, got %f", cfg.RateLimitRPS)
	}
}

func TestLoad_MalformedIntFallsBackToDefault(t *testing.T) {
	clearEnv(t, configKeys...)
	os.Setenv("MAX_LEASE_RENEWALS", "not-a-number")

	cfg := Load()
	if cfg.MaxLeaseRenewals != 10 {
		t.Fatalf("expected malformed int to fall back to the default, got %d", cfg.MaxLeaseRenewals)
	}
}
