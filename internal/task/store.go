package task

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// Executor abstracts over *sql.DB and *sql.Tx, letting Store
// implementations run inside an engine-managed transaction without
// knowing about it. Neither satisfies it directly, since their methods
// return sql package types; postgres.dbExecutor adapts them. Grounded on the same shape as
// store/ledger/postgres_ledger.go's AcquireNextPending, generalized so
// every Store method (not just one) can share a caller-supplied tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (ExecResult, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// ExecResult mirrors the subset of sql.Result the store layer needs. Named
// distinctly from Result (the task outcome struct below) to avoid shadowing it.
type ExecResult interface {
	RowsAffected() (int64, error)
}

// Row mirrors *sql.Row.
type Row interface {
	Scan(dest ...any) error
}

// Rows mirrors *sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Filters narrows a list query.
type Filters struct {
	Status   *Status
	Type     string
}

// Cursor is an opaque, stable pagination token keyed on (created_at, task_id).
type Cursor struct {
	CreatedAt time.Time
	TaskID    string
}

// Page is a single page of a list operation.
type Page struct {
	Tasks      []Task
	NextCursor *Cursor
}

// Store is the persistent interface for Task rows. Implementations must
// enforce the state machine in task.go and idempotent creation.
type Store interface {
	// Create inserts a new queued task. If idempotencyKey is non-empty and
	// a task with that (tenant, key) already exists, the existing task is
	// returned and no new task is created.
	Create(ctx context.Context, tenantID string, spec Spec, createdBy principal.Principal, idempotencyKey string) (Task, error)

	Get(ctx context.Context, tenantID, taskID string) (Task, error)

	List(ctx context.Context, tenantID string, filters Filters, cursor *Cursor, limit int) (Page, error)

	// Transition performs the conditional state update in spec.md §4.2's
	// table. It reports whether the transition occurred.
	Transition(ctx context.Context, tenantID, taskID string, expectedFrom, to Status, result *Result) (bool, error)

	// RequeueWithBackoff is used on a retryable worker failure. It
	// increments attempt and, if attempt now exceeds max_attempts,
	// transitions to failed instead of requeuing.
	RequeueWithBackoff(ctx context.Context, tenantID, taskID string, now time.Time) (Task, error)

	// RequeueOnExpiry is used by the lease sweeper. It does NOT increment
	// attempt — lease expiry means lost authority, not failure (I4).
	RequeueOnExpiry(ctx context.Context, tenantID, taskID string, now time.Time) (Task, error)
}
