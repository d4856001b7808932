// Package apierr maps engine sentinel errors to RFC 7807 Problem Details,
// the HTTP facade's only error response shape. Adapted from
// pkg/api/apierror.go: same ProblemDetail fields and Write* helpers, the
// "log internally, never expose to client" rule for 500s, and the
// Retry-After convention for 429s. AsyncGate adds MapError, which the
// teacher's handlers do inline per-call-site; AsyncGate centralizes it
// because the error taxonomy here (spec.md §7) is closed and shared
// across every engine operation, unlike the teacher's per-domain checks.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/task"
)

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func typeURI(status int) string {
	return fmt.Sprintf("https://asyncgate.dev/errors/%d", status)
}

// Write writes status/title/detail as a Problem Detail JSON body.
func Write(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	p := &ProblemDetail{
		Type:     typeURI(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteInternal logs err and writes an opaque 500 — err is never
// serialized into the response body.
func WriteInternal(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Error("internal server error", "error", err, "path", r.URL.Path)
	Write(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred.")
}

// WriteTooManyRequests writes 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	Write(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded.")
}

// MapError maps an engine/store sentinel error to (status, title). It
// covers the closed error taxonomy every engine operation draws from;
// anything else falls through to 500.
func MapError(err error) (status int, title string) {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, lease.ErrNotFound), errors.Is(err, receipt.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, task.ErrInvalidStateTransition):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, task.ErrUnauthorized), errors.Is(err, engine.ErrNotOwner), errors.Is(err, engine.ErrCrossTenant):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, lease.ErrInvalidOrExpired), errors.Is(err, engine.ErrLeaseMismatch):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, lease.ErrRenewalLimitExceeded), errors.Is(err, lease.ErrLifetimeExceeded):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, receipt.ErrValidation), errors.Is(err, receipt.ErrParentNotFound), errors.Is(err, receipt.ErrIllegalTerminator):
		return http.StatusBadRequest, "Bad Request"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteEngineError writes the Problem Detail for err, logging 500s.
func WriteEngineError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status, title := MapError(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, log, err)
		return
	}
	Write(w, r, status, title, err.Error())
}
