package receipt

import (
	"context"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// ListFilters narrows Store.List.
type ListFilters struct {
	To         *principal.Principal
	Types      []Type
	TaskID     string
}

// Cursor is a stable pagination token over (created_at, receipt_id).
type Cursor struct {
	CreatedAtUnixNano int64
	ReceiptID         string
}

// Page is a single page of a list operation.
type Page struct {
	Receipts   []Receipt
	NextCursor *Cursor
}

// Store is the append-only, content-addressed interface for Receipt
// rows. An inverted index on `parents` is mandatory (spec.md §4.4/§6) —
// Store implementations are expected to maintain one (a GIN index on
// Postgres, an auxiliary join table on SQLite).
type Store interface {
	// Create validates and appends spec, following the steps in
	// spec.md §4.4 exactly: size/shape bounds, content hash, terminal-type
	// parent linkage, the task.completed locatability leniency (strips
	// parents + emits a companion anomaly receipt rather than rejecting),
	// and hash-collision idempotence.
	Create(ctx context.Context, tenantID string, spec Spec) (Receipt, error)

	Get(ctx context.Context, tenantID, receiptID string) (Receipt, error)

	ListByParent(ctx context.Context, tenantID, parentID string, limit int) ([]Receipt, error)

	// HasTerminator is the O(1) hot-path predicate ObligationQuery relies
	// on: does any receipt exist whose parents include parentID and whose
	// type can terminate the parent's type (I7)? Children that merely name
	// the parent without being a terminator for it do not count.
	HasTerminator(ctx context.Context, tenantID, parentID string) (bool, error)

	GetLatestTerminator(ctx context.Context, tenantID, parentID string) (*Receipt, error)

	// ListByTaskAndType fetches every receipt of type t recorded against
	// taskID. Used by the engine to find the still-open task.assigned
	// receipts a completion/failure/cancellation should terminate — a
	// task re-leased after an expiry accumulates more than one, and only
	// the ones without a terminator yet should be named as parents.
	ListByTaskAndType(ctx context.Context, tenantID, taskID string, t Type) ([]Receipt, error)

	// ListObligationCandidates fetches up to limit receipts of an
	// obligation-creating type addressed to `to`, ordered by
	// (created_at, receipt_id), after cursor. Step 1 of ObligationQuery.
	ListObligationCandidates(ctx context.Context, tenantID string, to principal.Principal, cursor *Cursor, limit int) ([]Receipt, error)

	// BatchTerminators fetches every receipt whose `parents` intersects
	// candidateIDs and returns the candidate ids that have at least one
	// such child whose type can terminate the candidate's type (I7).
	// Step 2-3 of ObligationQuery — this is what keeps the query from
	// becoming an N+1 HasTerminator probe per candidate.
	BatchTerminators(ctx context.Context, tenantID string, candidateIDs []string) (terminatedIDs map[string]struct{}, err error)
}
