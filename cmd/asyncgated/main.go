// Command asyncgated runs the AsyncGate server: the HTTP facade, the
// lease sweeper, and the store backend selected by STORE_BACKEND.
// Structure follows cmd/helm/main.go's runServer: env-driven backend
// selection, a background sweep loop, signal-driven graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	agatehttp "github.com/asyncgate/asyncgate/facade/http"
	"github.com/asyncgate/asyncgate/internal/authn"
	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/obligation"
	"github.com/asyncgate/asyncgate/internal/observability"
	"github.com/asyncgate/asyncgate/internal/ratelimit"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/store/memory"
	"github.com/asyncgate/asyncgate/internal/store/postgres"
	"github.com/asyncgate/asyncgate/internal/store/sqlite"
	"github.com/asyncgate/asyncgate/internal/sweeper"
	"github.com/asyncgate/asyncgate/internal/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	tasks, leases, receipts, atomic, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store backend", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	defer closeStore()
	logger.Info("store backend ready", "backend", cfg.StoreBackend)

	obs, err := newObservability(ctx, logger)
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	eng := engine.New(tasks, leases, receipts, lease.Limits{
		MaxRenewals: cfg.MaxLeaseRenewals,
		MaxLifetime: cfg.MaxLeaseLifetime,
	}, nil)
	eng.Atomic = atomic
	obl := obligation.New(receipts)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sw := sweeper.New(eng.SweepExpired, cfg.SweepInterval, cfg.SweepBatchLimit, cfg.InstanceID, logger)
	go sw.Run(sweepCtx)

	keys, err := authn.NewInMemoryKeySet()
	if err != nil {
		logger.Error("failed to init key set", "error", err)
		return 1
	}
	tokens := authn.NewTokenManager(keys, "asyncgate")

	ipLimiter := ratelimit.NewIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	var tenantLimiter *ratelimit.TenantLimiter
	if cfg.RedisURL != "" {
		tenantLimiter = ratelimit.NewTenantLimiter(cfg.RedisURL, cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = tenantLimiter.Close() }()
	}

	srv := &agatehttp.Server{
		Engine:        eng,
		Obligations:   obl,
		Tokens:        tokens,
		IPLimiter:     ipLimiter,
		TenantLimiter: tenantLimiter,
		Config:        cfg,
		Log:           logger,
		Observability: obs,
	}

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("asyncgated listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	logger.Info("asyncgated stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newObservability(ctx context.Context, logger *slog.Logger) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceName = "asyncgated"
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.OTLPEndpoint = endpoint
	}
	return observability.New(ctx, cfg, logger)
}

// openStores opens the store triple for cfg.StoreBackend ("postgres" |
// "sqlite" | "memory") and returns a close func that releases whatever
// underlying *sql.DB was opened (a no-op for memory), plus an
// engine.Atomic the caller can wire into Engine.Atomic. Only Postgres
// returns a non-nil Atomic — see DESIGN.md for why SQLite and memory
// fall back to Engine's per-store-call behavior instead.
func openStores(ctx context.Context, cfg *config.Config) (task.Store, lease.Store, receipt.Store, engine.Atomic, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := postgres.Init(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, nil, fmt.Errorf("apply postgres schema: %w", err)
		}
		return postgres.NewTaskStore(db), postgres.NewLeaseStore(db), postgres.NewReceiptStore(db),
			postgres.NewAtomicStores(db), func() { _ = db.Close() }, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.NewTaskStore(db), sqlite.NewLeaseStore(db), sqlite.NewReceiptStore(db),
			nil, func() { _ = db.Close() }, nil

	case "memory", "":
		tasks := memory.NewTaskStore()
		leases := memory.NewLeaseStore(tasks)
		receipts := memory.NewReceiptStore()
		return tasks, leases, receipts, nil, func() {}, nil

	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
