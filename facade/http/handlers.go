package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/asyncgate/asyncgate/internal/apierr"
	"github.com/asyncgate/asyncgate/internal/authn"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/task"
	"github.com/asyncgate/asyncgate/internal/tenant"
)

// callerAndTenant resolves the authenticated caller and tenant from
// context, and — if the caller also supplied X-Tenant-ID — checks it
// agrees with the token's tenant via internal/tenant.Guard before any
// store call is made.
func callerAndTenant(w http.ResponseWriter, r *http.Request) (tenantID string, caller principal.Principal, ok bool) {
	tenantID, authed := authn.TenantFromContext(r.Context())
	caller, hasCaller := authn.CallerFromContext(r.Context())
	if !authed || !hasCaller {
		apierr.Write(w, r, http.StatusUnauthorized, "Unauthorized", "missing authenticated caller")
		return "", principal.Principal{}, false
	}
	if headerTenant := r.Header.Get("X-Tenant-ID"); headerTenant != "" {
		if err := tenant.Guard(headerTenant, tenantID); err != nil {
			apierr.WriteEngineError(w, r, nil, err)
			return "", principal.Principal{}, false
		}
	}
	return tenantID, caller, true
}

type createTaskRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Requirements   []string        `json:"capabilities"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	RetryBackoffMs int64           `json:"retry_backoff_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}

	caps := make(map[string]struct{}, len(req.Requirements))
	for _, c := range req.Requirements {
		caps[c] = struct{}{}
	}

	spec := task.Spec{
		Type:         req.Type,
		Payload:      []byte(req.Payload),
		Requirements: task.Requirements{Capabilities: caps},
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		RetryBackoff: time.Duration(req.RetryBackoffMs) * time.Millisecond,
	}

	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	t, err := s.Engine.CreateTask(ctx, tenantID, spec, caller, req.IdempotencyKey)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	t, err := s.Engine.GetTask(ctx, tenantID, r.PathValue("id"))
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := callerAndTenant(w, r)
	if !ok {
		return
	}

	var filters task.Filters
	if st := r.URL.Query().Get("status"); st != "" {
		status := task.Status(st)
		filters.Status = &status
	}
	filters.Type = r.URL.Query().Get("type")

	var cursor *task.Cursor
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := decodeTaskCursor(c)
		if err != nil {
			apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed cursor")
			return
		}
		cursor = parsed
	}
	limit := parseLimit(r, 100)

	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	page, err := s.Engine.ListTasks(ctx, tenantID, filters, cursor, limit)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":       page.Tasks,
		"next_cursor": encodeTaskCursor(page.NextCursor),
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	t, err := s.Engine.CancelTask(ctx, tenantID, r.PathValue("id"), caller)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListOpenObligations(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}

	var cursor *receipt.Cursor
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := decodeReceiptCursor(c)
		if err != nil {
			apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed cursor")
			return
		}
		cursor = parsed
	}
	limit := parseLimit(r, 100)

	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	result, err := s.Obligations.List(ctx, tenantID, caller, cursor, limit)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	// Unbucketed on purpose — no "inbox"/"waiting" grouping, ever (I8).
	writeJSON(w, http.StatusOK, map[string]any{
		"open_obligations": result.OpenObligations,
		"cursor":           encodeReceiptCursor(result.Cursor),
	})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	parentID := q.Get("parent_id")
	taskID := q.Get("task_id")
	rtype := q.Get("type")
	limit := parseLimit(r, 100)

	ctx, cancel := ctxWithTimeout(r)
	defer cancel()

	switch {
	case parentID != "":
		out, err := s.Engine.Receipts.ListByParent(ctx, tenantID, parentID, limit)
		if err != nil {
			apierr.WriteEngineError(w, r, s.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
	case taskID != "" && rtype != "":
		out, err := s.Engine.Receipts.ListByTaskAndType(ctx, tenantID, taskID, receipt.Type(rtype))
		if err != nil {
			apierr.WriteEngineError(w, r, s.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
	default:
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "must supply parent_id, or task_id and type")
	}
}

func (s *Server) handleAckReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	ack, err := s.Engine.AcknowledgeReceipt(ctx, tenantID, r.PathValue("id"), caller)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

type claimRequest struct {
	Capabilities []string `json:"capabilities"`
	MaxTasks     int      `json:"max_tasks"`
	TTLMs        int64    `json:"ttl_ms"`
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	if caller.Kind != principal.KindWorker {
		apierr.Write(w, r, http.StatusForbidden, "Forbidden", "only a worker principal may claim tasks")
		return
	}

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	caps := make(map[string]struct{}, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = struct{}{}
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = s.defaultLeaseTTL()
	}

	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	start := time.Now()
	claimed, err := s.Engine.ClaimNext(ctx, tenantID, caller, leaseClaimRequest(caller.ID, caps, req.MaxTasks, ttl))
	if s.Observability != nil {
		s.Observability.RecordClaimLatency(ctx, time.Since(start))
	}
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": claimed})
}

func (s *Server) defaultLeaseTTL() time.Duration {
	if s.Config != nil && s.Config.DefaultLeaseTTL > 0 {
		return s.Config.DefaultLeaseTTL
	}
	return 5 * time.Minute
}

type renewRequest struct {
	TaskID     string `json:"task_id"`
	ExtendByMs int64  `json:"extend_by_ms"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	var req renewRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	l, err := s.Engine.RenewLease(ctx, tenantID, req.TaskID, r.PathValue("id"), caller.ID, time.Duration(req.ExtendByMs)*time.Millisecond)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type progressRequest struct {
	LeaseID string         `json:"lease_id"`
	Body    map[string]any `json:"body"`
}

func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	rec, err := s.Engine.ReportProgress(ctx, tenantID, r.PathValue("id"), req.LeaseID, caller.ID, req.Body)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type completeRequest struct {
	LeaseID string         `json:"lease_id"`
	Result  task.Result    `json:"result"`
	Body    map[string]any `json:"body"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	req.Result.Succeeded = true
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	rec, err := s.Engine.Complete(ctx, tenantID, r.PathValue("id"), req.LeaseID, caller.ID, req.Result, req.Body)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type failRequest struct {
	LeaseID   string `json:"lease_id"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	tenantID, caller, ok := callerAndTenant(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	ctx, cancel := ctxWithTimeout(r)
	defer cancel()
	t, rec, err := s.Engine.Fail(ctx, tenantID, r.PathValue("id"), req.LeaseID, caller.ID, req.Reason, req.Retryable)
	if err != nil {
		apierr.WriteEngineError(w, r, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "receipt": rec})
}

func parseLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

var errMalformedCursor = errors.New("facade/http: malformed cursor")
