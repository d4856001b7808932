package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/asyncgate/asyncgate/internal/config"
)

func TestNewLogger_ParsesKnownLevel(t *testing.T) {
	logger := newLogger("debug")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestNewLogger_FallsBackToInfoOnGarbage(t *testing.T) {
	logger := newLogger("not-a-level")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug to be disabled under the info fallback")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info level to be enabled under the fallback")
	}
}

func TestOpenStores_Memory(t *testing.T) {
	cfg := &config.Config{StoreBackend: "memory"}
	tasks, leases, receipts, atomic, closeFn, err := openStores(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer closeFn()
	if tasks == nil || leases == nil || receipts == nil {
		t.Fatal("expected all three stores to be non-nil for the memory backend")
	}
	if atomic != nil {
		t.Fatal("expected a nil Atomic for the memory backend")
	}
}

func TestOpenStores_DefaultsToMemoryWhenUnset(t *testing.T) {
	cfg := &config.Config{StoreBackend: ""}
	tasks, _, _, _, closeFn, err := openStores(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer closeFn()
	if tasks == nil {
		t.Fatal("expected the empty backend to default to memory")
	}
}

func TestOpenStores_UnknownBackendErrors(t *testing.T) {
	cfg := &config.Config{StoreBackend: "not-a-backend"}
	_, _, _, _, _, err := openStores(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected an error for an unrecognized STORE_BACKEND")
	}
}
