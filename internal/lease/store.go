package lease

import (
	"context"
	"time"
)

// ClaimRequest bundles a claim_next call's parameters.
type ClaimRequest struct {
	WorkerID     string
	Capabilities map[string]struct{}
	MaxTasks     int
	TTL          time.Duration
}

// Claimed pairs a claimed task id with its newly issued lease — the
// store returns task ids, not full Task values, so LeaseStore stays
// independent of the task package's row shape; Engine joins the two.
type Claimed struct {
	TaskID string
	Lease  Lease
}

// Store is the persistent interface for Lease rows. Implementations
// must enforce the single-active-lease-per-task invariant (I1) and the
// renewal/lifetime caps.
type Store interface {
	// ClaimNext atomically claims up to req.MaxTasks queued tasks whose
	// requirements are a subset of req.Capabilities and whose
	// next_eligible_at <= now, ordered by (priority desc, created_at asc,
	// task_id asc). Uses row-level locking with skip-locked semantics.
	ClaimNext(ctx context.Context, tenantID string, req ClaimRequest, now time.Time) ([]Claimed, error)

	// Validate returns the lease iff it matches taskID and workerID and
	// has not expired. Pure read.
	Validate(ctx context.Context, tenantID, taskID, leaseID, workerID string, now time.Time) (Lease, error)

	// Renew extends expires_at, subject to the renewal and lifetime caps.
	// Uses compare-and-set on expires_at > now so a lease that expired
	// between validation and write does not resurrect.
	Renew(ctx context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration, now time.Time, limits Limits) (Lease, error)

	// Release removes the active lease for a task, if any.
	Release(ctx context.Context, tenantID, taskID string) error

	// GetExpired iterates leases with expires_at <= now, for the sweeper.
	GetExpired(ctx context.Context, now time.Time, limit int) ([]Lease, error)
}
