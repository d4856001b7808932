// Package toolproto is the in-process facade: the same operation set as
// facade/http, exposed as direct Go calls against internal/engine's own
// request/response types instead of marshaled JSON. There is no separate
// validation path here — spec.md §1 requires both facades compile to the
// same engine operations, and this package is the literal proof of that:
// it is a pass-through, not a reimplementation.
package toolproto

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/obligation"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/task"
)

// Facade is the tool-protocol entry point a caller embeds directly (an
// agent runtime, a test harness) instead of going over HTTP.
type Facade struct {
	Engine      *engine.Engine
	Obligations *obligation.Query
}

func New(e *engine.Engine, o *obligation.Query) *Facade {
	return &Facade{Engine: e, Obligations: o}
}

func (f *Facade) CreateTask(ctx context.Context, tenantID string, spec task.Spec, createdBy principal.Principal, idempotencyKey string) (task.Task, error) {
	return f.Engine.CreateTask(ctx, tenantID, spec, createdBy, idempotencyKey)
}

func (f *Facade) GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	return f.Engine.GetTask(ctx, tenantID, taskID)
}

func (f *Facade) ListTasks(ctx context.Context, tenantID string, filters task.Filters, cursor *task.Cursor, limit int) (task.Page, error) {
	return f.Engine.ListTasks(ctx, tenantID, filters, cursor, limit)
}

func (f *Facade) CancelTask(ctx context.Context, tenantID, taskID string, caller principal.Principal) (task.Task, error) {
	return f.Engine.CancelTask(ctx, tenantID, taskID, caller)
}

func (f *Facade) ClaimNext(ctx context.Context, tenantID string, worker principal.Principal, req lease.ClaimRequest) ([]engine.Claimed, error) {
	return f.Engine.ClaimNext(ctx, tenantID, worker, req)
}

func (f *Facade) RenewLease(ctx context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration) (lease.Lease, error) {
	return f.Engine.RenewLease(ctx, tenantID, taskID, leaseID, workerID, extendBy)
}

func (f *Facade) ReportProgress(ctx context.Context, tenantID, taskID, leaseID, workerID string, body map[string]any) (receipt.Receipt, error) {
	return f.Engine.ReportProgress(ctx, tenantID, taskID, leaseID, workerID, body)
}

func (f *Facade) Complete(ctx context.Context, tenantID, taskID, leaseID, workerID string, result task.Result, body map[string]any) (receipt.Receipt, error) {
	return f.Engine.Complete(ctx, tenantID, taskID, leaseID, workerID, result, body)
}

func (f *Facade) Fail(ctx context.Context, tenantID, taskID, leaseID, workerID, reason string, retryable bool) (task.Task, *receipt.Receipt, error) {
	return f.Engine.Fail(ctx, tenantID, taskID, leaseID, workerID, reason, retryable)
}

func (f *Facade) AcknowledgeReceipt(ctx context.Context, tenantID, receiptID string, caller principal.Principal) (receipt.Receipt, error) {
	return f.Engine.AcknowledgeReceipt(ctx, tenantID, receiptID, caller)
}

func (f *Facade) ListOpenObligations(ctx context.Context, tenantID string, to principal.Principal, cursor *receipt.Cursor, limit int) (obligation.Result, error) {
	return f.Obligations.List(ctx, tenantID, to, cursor, limit)
}

func (f *Facade) SweepExpired(ctx context.Context, limit int) (int, error) {
	return f.Engine.SweepExpired(ctx, limit)
}
