// Package engine composes task.Store, lease.Store and receipt.Store into
// the single set of operations the facades call: every task/lease
// mutation that also produces a receipt happens here so the two stay in
// lockstep, the way store/ledger's PostgresLedger composes its ledger and
// outbox tables under one caller-visible method (core/pkg/store/ledger/postgres_ledger.go).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/task"
)

// Claimed pairs a freshly leased Task with the lease and the
// task.assigned receipt the claim produced.
type Claimed struct {
	Task    task.Task
	Lease   lease.Lease
	Receipt receipt.Receipt
}

// TxStores is the task/lease/receipt store triple bound to one shared
// storage transaction, handed back by Atomic.Begin for the lifetime of a
// single Engine operation.
type TxStores struct {
	Tasks    task.Store
	Leases   lease.Store
	Receipts receipt.Store
}

// Atomic opens one storage-level transaction per call and returns the
// three stores bound to it, plus the commit/rollback that manages it.
// Complete, Fail and CancelTask each call Begin once so the task
// transition, the lease release and every receipt they emit land in the
// same transaction instead of as independent, separately-failable
// writes. Postgres implements this (internal/store/postgres.AtomicStores);
// the SQLite and in-memory backends do not, and Engine falls back to its
// three stores directly when Atomic is nil — see DESIGN.md for why that
// gap is acceptable for those two backends.
type Atomic interface {
	Begin(ctx context.Context) (stores TxStores, commit func() error, rollback func() error, err error)
}

// Engine is the single point where task, lease and receipt state change
// together. Every exported method here is what a facade handler calls;
// neither facade touches the three stores directly.
type Engine struct {
	Tasks    task.Store
	Leases   lease.Store
	Receipts receipt.Store

	// Atomic, when set, is used by Complete/Fail/CancelTask to run their
	// store writes inside one shared transaction. Nil falls back to
	// Tasks/Leases/Receipts directly.
	Atomic Atomic

	LeaseLimits lease.Limits
	Clock       func() time.Time
}

// New constructs an Engine. clock defaults to time.Now if nil.
func New(tasks task.Store, leases lease.Store, receipts receipt.Store, limits lease.Limits, clock func() time.Time) *Engine {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{Tasks: tasks, Leases: leases, Receipts: receipts, LeaseLimits: limits, Clock: clock}
}

// beginOp opens the shared transaction for one mutating operation when
// e.Atomic is configured, or hands back e.Tasks/e.Leases/e.Receipts
// directly with no-op commit/rollback otherwise.
func (e *Engine) beginOp(ctx context.Context) (tasks task.Store, leases lease.Store, receipts receipt.Store, commit func() error, rollback func() error, err error) {
	if e.Atomic == nil {
		noop := func() error { return nil }
		return e.Tasks, e.Leases, e.Receipts, noop, noop, nil
	}
	txs, commit, rollback, err := e.Atomic.Begin(ctx)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return txs.Tasks, txs.Leases, txs.Receipts, commit, rollback, nil
}

// CreateTask inserts a task, idempotent on (tenant, idempotencyKey).
func (e *Engine) CreateTask(ctx context.Context, tenantID string, spec task.Spec, createdBy principal.Principal, idempotencyKey string) (task.Task, error) {
	return e.Tasks.Create(ctx, tenantID, spec, createdBy, idempotencyKey)
}

func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	return e.Tasks.Get(ctx, tenantID, taskID)
}

func (e *Engine) ListTasks(ctx context.Context, tenantID string, filters task.Filters, cursor *task.Cursor, limit int) (task.Page, error) {
	return e.Tasks.List(ctx, tenantID, filters, cursor, limit)
}

// CancelTask transitions a task to canceled and appends a task.canceled
// receipt naming every still-open task.assigned receipt as a parent, plus
// a task.result_ready receipt to the owner. Only the task's creator (or a
// system principal) may cancel it.
func (e *Engine) CancelTask(ctx context.Context, tenantID, taskID string, caller principal.Principal) (result task.Task, err error) {
	tasks, _, receipts, commit, rollback, err := e.beginOp(ctx)
	if err != nil {
		return task.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = rollback()
			return
		}
		err = commit()
	}()

	t, err := tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if !caller.Equal(t.CreatedBy) && caller.Kind != principal.KindSystem {
		err = ErrNotOwner
		return task.Task{}, err
	}

	now := e.Clock()
	ok, err := tasks.Transition(ctx, tenantID, taskID, t.Status, task.StatusCanceled, &task.Result{Succeeded: false, Error: "canceled"})
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		err = fmt.Errorf("%w: task %s is already terminal", task.ErrInvalidStateTransition, taskID)
		return task.Task{}, err
	}

	parents, err := e.openAssignedParents(ctx, receipts, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if len(parents) > 0 {
		if _, err = receipts.Create(ctx, tenantID, receipt.Spec{
			Type:    receipt.TypeTaskCanceled,
			From:    caller,
			To:      t.CreatedBy,
			TaskID:  taskID,
			Parents: parents,
			Body:    map[string]any{"canceled_at": now},
		}); err != nil {
			return task.Task{}, err
		}
		if _, err = receipts.Create(ctx, tenantID, receipt.Spec{
			Type:   receipt.TypeTaskResultReady,
			From:   principal.System,
			To:     t.CreatedBy,
			TaskID: taskID,
		}); err != nil {
			return task.Task{}, err
		}
	}

	result, err = tasks.Get(ctx, tenantID, taskID)
	return result, err
}

// ClaimNext leases up to req.MaxTasks eligible tasks for a worker and
// appends a task.assigned receipt for each, addressed to the task's
// creator.
func (e *Engine) ClaimNext(ctx context.Context, tenantID string, worker principal.Principal, req lease.ClaimRequest) ([]Claimed, error) {
	now := e.Clock()
	claims, err := e.Leases.ClaimNext(ctx, tenantID, req, now)
	if err != nil {
		return nil, err
	}

	out := make([]Claimed, 0, len(claims))
	for _, c := range claims {
		t, err := e.Tasks.Get(ctx, tenantID, c.TaskID)
		if err != nil {
			return nil, err
		}
		r, err := e.Receipts.Create(ctx, tenantID, receipt.Spec{
			Type:    receipt.TypeTaskAssigned,
			From:    principal.System,
			To:      t.CreatedBy,
			TaskID:  c.TaskID,
			LeaseID: c.Lease.LeaseID,
			Body:    map[string]any{"worker_id": req.WorkerID},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, Claimed{Task: t, Lease: c.Lease, Receipt: r})
	}
	return out, nil
}

// RenewLease extends an active lease, subject to the renewal/lifetime caps.
func (e *Engine) RenewLease(ctx context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration) (lease.Lease, error) {
	return e.Leases.Renew(ctx, tenantID, taskID, leaseID, workerID, extendBy, e.Clock(), e.LeaseLimits)
}

// ReportProgress validates the calling worker's lease and appends a
// task.progress receipt. Progress receipts are not obligation-creating,
// so no parent linkage is required, but one is added when the assigned
// receipt is known so the progress trail stays attached to its claim.
func (e *Engine) ReportProgress(ctx context.Context, tenantID, taskID, leaseID, workerID string, body map[string]any) (receipt.Receipt, error) {
	l, err := e.validateLease(ctx, e.Leases, tenantID, taskID, leaseID, workerID)
	if err != nil {
		return receipt.Receipt{}, err
	}

	var parents []string
	if assigned, err := e.Receipts.ListByTaskAndType(ctx, tenantID, taskID, receipt.TypeTaskAssigned); err == nil {
		for _, a := range assigned {
			if a.LeaseID == l.LeaseID {
				parents = []string{a.ReceiptID}
				break
			}
		}
	}

	return e.Receipts.Create(ctx, tenantID, receipt.Spec{
		Type:    receipt.TypeTaskProgress,
		From:    principal.Principal{Kind: principal.KindWorker, ID: workerID},
		To:      principal.System,
		TaskID:  taskID,
		LeaseID: leaseID,
		Parents: parents,
		Body:    body,
	})
}

// Complete transitions a task to succeeded and appends a task.completed
// receipt (subject to the locatability leniency the receipt store
// enforces), terminating every still-open task.assigned receipt for it.
func (e *Engine) Complete(ctx context.Context, tenantID, taskID, leaseID, workerID string, result task.Result, body map[string]any) (receipt.Receipt, error) {
	return e.finishLeased(ctx, tenantID, taskID, leaseID, workerID, task.StatusSucceeded, result, receipt.TypeTaskCompleted, body)
}

// Fail releases the lease and either requeues the task with backoff (when
// retryable and attempts remain) or transitions it straight to failed
// (when retryable is false, or attempts are exhausted), appending a
// task.failed receipt plus a task.result_ready receipt to the owner only
// once the task has actually reached the failed state.
func (e *Engine) Fail(ctx context.Context, tenantID, taskID, leaseID, workerID, failureReason string, retryable bool) (resultTask task.Task, resultReceipt *receipt.Receipt, err error) {
	tasks, leases, receipts, commit, rollback, err := e.beginOp(ctx)
	if err != nil {
		return task.Task{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = rollback()
			return
		}
		err = commit()
	}()

	if _, err = e.validateLease(ctx, leases, tenantID, taskID, leaseID, workerID); err != nil {
		return task.Task{}, nil, err
	}
	if err = leases.Release(ctx, tenantID, taskID); err != nil {
		return task.Task{}, nil, err
	}

	before, err := tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, nil, err
	}

	var t task.Task
	if retryable && before.Attempt+1 <= before.MaxAttempts {
		t, err = tasks.RequeueWithBackoff(ctx, tenantID, taskID, e.Clock())
		if err != nil {
			return task.Task{}, nil, err
		}
	} else {
		ok, terr := tasks.Transition(ctx, tenantID, taskID, task.StatusLeased, task.StatusFailed,
			&task.Result{Succeeded: false, Error: failureReason})
		if terr != nil {
			err = terr
			return task.Task{}, nil, err
		}
		if !ok {
			err = fmt.Errorf("%w: task %s is not leased", task.ErrInvalidStateTransition, taskID)
			return task.Task{}, nil, err
		}
		t, err = tasks.Get(ctx, tenantID, taskID)
		if err != nil {
			return task.Task{}, nil, err
		}
	}
	if t.Status != task.StatusFailed {
		return t, nil, nil
	}

	parents, err := e.openAssignedParents(ctx, receipts, tenantID, taskID)
	if err != nil {
		return task.Task{}, nil, err
	}
	if len(parents) == 0 {
		return t, nil, nil
	}
	r, err := receipts.Create(ctx, tenantID, receipt.Spec{
		Type:    receipt.TypeTaskFailed,
		From:    principal.Principal{Kind: principal.KindWorker, ID: workerID},
		To:      t.CreatedBy,
		TaskID:  taskID,
		Parents: parents,
		Body:    map[string]any{"error": failureReason},
	})
	if err != nil {
		return task.Task{}, nil, err
	}
	if _, err = receipts.Create(ctx, tenantID, receipt.Spec{
		Type:   receipt.TypeTaskResultReady,
		From:   principal.System,
		To:     t.CreatedBy,
		TaskID: taskID,
	}); err != nil {
		return task.Task{}, nil, err
	}
	return t, &r, nil
}

func (e *Engine) finishLeased(ctx context.Context, tenantID, taskID, leaseID, workerID string, to task.Status, result task.Result, rtype receipt.Type, body map[string]any) (out receipt.Receipt, err error) {
	tasks, leases, receipts, commit, rollback, err := e.beginOp(ctx)
	if err != nil {
		return receipt.Receipt{}, err
	}
	defer func() {
		if err != nil {
			_ = rollback()
			return
		}
		err = commit()
	}()

	if _, err = e.validateLease(ctx, leases, tenantID, taskID, leaseID, workerID); err != nil {
		return receipt.Receipt{}, err
	}

	t, err := tasks.Get(ctx, tenantID, taskID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	ok, err := tasks.Transition(ctx, tenantID, taskID, task.StatusLeased, to, &result)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if !ok {
		err = fmt.Errorf("%w: task %s is not leased", task.ErrInvalidStateTransition, taskID)
		return receipt.Receipt{}, err
	}
	if err = leases.Release(ctx, tenantID, taskID); err != nil {
		return receipt.Receipt{}, err
	}

	parents, err := e.openAssignedParents(ctx, receipts, tenantID, taskID)
	if err != nil {
		return receipt.Receipt{}, err
	}

	out, err = receipts.Create(ctx, tenantID, receipt.Spec{
		Type:    rtype,
		From:    principal.Principal{Kind: principal.KindWorker, ID: workerID},
		To:      t.CreatedBy,
		TaskID:  taskID,
		LeaseID: leaseID,
		Parents: parents,
		Body:    body,
	})
	if err != nil {
		return receipt.Receipt{}, err
	}

	if _, err = receipts.Create(ctx, tenantID, receipt.Spec{
		Type:   receipt.TypeTaskResultReady,
		From:   principal.System,
		To:     t.CreatedBy,
		TaskID: taskID,
	}); err != nil {
		return receipt.Receipt{}, err
	}

	return out, nil
}

func (e *Engine) validateLease(ctx context.Context, leases lease.Store, tenantID, taskID, leaseID, workerID string) (lease.Lease, error) {
	l, err := leases.Validate(ctx, tenantID, taskID, leaseID, workerID, e.Clock())
	if err != nil {
		return lease.Lease{}, err
	}
	return l, nil
}

// openAssignedParents returns the receipt ids of every task.assigned
// receipt for taskID that has no terminator yet — see
// receipt.Store.ListByTaskAndType's doc comment for why there can be
// more than one (a task re-leased after an expiry gets a new assignment
// receipt without closing the old one).
func (e *Engine) openAssignedParents(ctx context.Context, receipts receipt.Store, tenantID, taskID string) ([]string, error) {
	assigned, err := receipts.ListByTaskAndType(ctx, tenantID, taskID, receipt.TypeTaskAssigned)
	if err != nil {
		return nil, err
	}
	var parents []string
	for _, a := range assigned {
		has, err := receipts.HasTerminator(ctx, tenantID, a.ReceiptID)
		if err != nil {
			return nil, err
		}
		if !has {
			parents = append(parents, a.ReceiptID)
		}
	}
	return parents, nil
}

// AcknowledgeReceipt appends a receipt.acknowledged receipt naming
// parentID as its parent. receipt.acknowledged is not a terminator type,
// so it does not close the parent's obligation. Only the
// addressee of the parent receipt (or a system principal) may acknowledge
// it — acknowledgement is a statement that the addressee has seen and
// accepted the record, not something a third party can assert for them.
func (e *Engine) AcknowledgeReceipt(ctx context.Context, tenantID, parentID string, caller principal.Principal) (receipt.Receipt, error) {
	parent, err := e.Receipts.Get(ctx, tenantID, parentID)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if !caller.Equal(parent.To) && caller.Kind != principal.KindSystem {
		return receipt.Receipt{}, ErrNotOwner
	}

	return e.Receipts.Create(ctx, tenantID, receipt.Spec{
		Type:    receipt.TypeReceiptAcknowledged,
		From:    caller,
		To:      parent.From,
		TaskID:  parent.TaskID,
		Parents: []string{parentID},
	})
}

// SweepExpired requeues every lease past expiry, attempt-neutral (I4),
// and appends a lease.expired receipt per expired lease. It is the unit
// of work LeaseSweeper calls on each tick.
func (e *Engine) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := e.Clock()
	expired, err := e.Leases.GetExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, l := range expired {
		if err := e.Leases.Release(ctx, l.TenantID, l.TaskID); err != nil {
			continue
		}
		t, err := e.Tasks.RequeueOnExpiry(ctx, l.TenantID, l.TaskID, now)
		if err != nil {
			continue
		}

		var parents []string
		if assigned, err := e.Receipts.ListByTaskAndType(ctx, l.TenantID, l.TaskID, receipt.TypeTaskAssigned); err == nil {
			for _, a := range assigned {
				if a.LeaseID == l.LeaseID {
					parents = []string{a.ReceiptID}
					break
				}
			}
		}
		_, _ = e.Receipts.Create(ctx, l.TenantID, receipt.Spec{
			Type:    receipt.TypeLeaseExpired,
			From:    principal.System,
			To:      t.CreatedBy,
			TaskID:  l.TaskID,
			LeaseID: l.LeaseID,
			Parents: parents,
			Body:    map[string]any{"worker_id": l.WorkerID},
		})
		count++
	}
	return count, nil
}
