package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/asyncgate/asyncgate/internal/apierr"
	"github.com/asyncgate/asyncgate/internal/authn"
	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/obligation"
	"github.com/asyncgate/asyncgate/internal/observability"
	"github.com/asyncgate/asyncgate/internal/ratelimit"
)

// Server holds everything a handler needs: the engine, the obligation
// query, and the auth/rate-limit middleware. Routes are 1:1 with the
// engine operations spec.md §6 enumerates.
type Server struct {
	Engine        *engine.Engine
	Obligations   *obligation.Query
	Tokens        *authn.TokenManager
	IPLimiter     *ratelimit.IPLimiter
	TenantLimiter *ratelimit.TenantLimiter
	Config        *config.Config
	Log           *slog.Logger

	// Observability is optional; when nil, handlers run uninstrumented.
	Observability *observability.Provider
}

// Handler builds the full mux with the middleware chain applied:
// recover -> request-id -> per-IP rate limit -> auth -> per-tenant rate
// limit -> route handler. Grounded
// on cmd/helm/main.go's bare http.NewServeMux dispatch.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/obligations/open", s.handleListOpenObligations)
	mux.HandleFunc("GET /v1/receipts", s.handleListReceipts)
	mux.HandleFunc("POST /v1/receipts/{id}/ack", s.handleAckReceipt)
	mux.HandleFunc("POST /v1/leases:claim", s.handleClaimNext)
	mux.HandleFunc("POST /v1/leases/{id}:renew", s.handleRenewLease)
	mux.HandleFunc("POST /v1/tasks/{id}/progress", s.handleReportProgress)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/tasks/{id}/fail", s.handleFail)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/config", s.handleGetConfig)

	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	var authed http.Handler = mux
	if s.TenantLimiter != nil {
		authed = s.tenantRateLimit(authed)
	}
	if s.Tokens != nil {
		authed = authn.Middleware(s.Tokens)(authed)
	}
	if s.IPLimiter != nil {
		authed = s.IPLimiter.Middleware(authed)
	}
	// Outside-in: recover -> request-id -> per-IP rate limit -> auth ->
	// per-tenant rate limit -> handler.
	return recoverMiddleware(log)(requestID(authed))
}

// tenantRateLimit enforces the distributed per-tenant budget once a
// caller is authenticated; it runs after authn so TenantFromContext is
// populated, and is skipped for unauthenticated public paths.
func (s *Server) tenantRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := authn.TenantFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.TenantLimiter.Allow(r.Context(), tenantID)
		if err != nil {
			s.Log.Error("tenant rate limit check failed", "error", err, "tenant_id", tenantID)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			apierr.WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default_lease_ttl":  s.Config.DefaultLeaseTTL.String(),
		"max_lease_renewals": s.Config.MaxLeaseRenewals,
		"max_lease_lifetime": s.Config.MaxLeaseLifetime.String(),
		"sweep_interval":     s.Config.SweepInterval.String(),
		"max_retry_backoff":  s.Config.MaxRetryBackoff.String(),
		"store_backend":      s.Config.StoreBackend,
		"instance_id":        s.Config.InstanceID,
	})
}

// ctxWithTimeout bounds a handler's work to a sane upper limit, the way
// the teacher's console server wraps every request (pkg/console/server.go).
func ctxWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Second)
}
