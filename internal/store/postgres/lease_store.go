package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/task"
)

// LeaseStore is a Postgres-backed lease.Store. ClaimNext is grounded on
// store/ledger/postgres_ledger.go's AcquireNextPending: an explicit
// BeginTx/deferred-Rollback/Commit transaction around a
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent claimers never block
// on each other's candidate rows and never double-claim one.
type LeaseStore struct {
	db   *sql.DB
	conn sqlConn
}

func NewLeaseStore(db *sql.DB) *LeaseStore {
	return &LeaseStore{db: db, conn: db}
}

// withConn returns a LeaseStore whose single-statement methods
// (Validate/Renew/Release/GetExpired) run against conn instead of the
// store's *sql.DB — how Engine gets a lease store sharing one *sql.Tx
// with the task and receipt stores for one mutating operation. ClaimNext
// keeps using s.db directly: it already manages its own transaction and
// is never called as part of a multi-store engine operation.
func (s *LeaseStore) withConn(conn sqlConn) *LeaseStore {
	return &LeaseStore{db: s.db, conn: conn}
}

func (s *LeaseStore) ClaimNext(ctx context.Context, tenantID string, req lease.ClaimRequest, now time.Time) ([]lease.Claimed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	max := req.MaxTasks
	if max <= 0 {
		max = 1
	}

	const selectCandidates = `
		SELECT task_id, requirements FROM tasks
		WHERE tenant_id = $1 AND status = $2 AND next_eligible_at <= $3
		ORDER BY priority DESC, created_at ASC, task_id ASC
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, selectCandidates, tenantID, string(task.StatusQueued), now)
	if err != nil {
		return nil, fmt.Errorf("postgres: select claim candidates: %w", err)
	}

	type candidate struct {
		taskID string
		reqs   task.Requirements
	}
	var candidates []candidate
	for rows.Next() {
		var taskID string
		var reqJSON []byte
		if err := rows.Scan(&taskID, &reqJSON); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("postgres: scan claim candidate: %w", err)
		}
		var reqs task.Requirements
		if len(reqJSON) > 0 {
			if err := json.Unmarshal(reqJSON, &reqs); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("postgres: unmarshal requirements: %w", err)
			}
		}
		if !reqs.SatisfiedBy(req.Capabilities) {
			continue // capability mismatch: row stays locked for this tx but unclaimed
		}
		candidates = append(candidates, candidate{taskID: taskID, reqs: reqs})
		if len(candidates) >= max {
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("postgres: iterate claim candidates: %w", err)
	}
	_ = rows.Close()

	var out []lease.Claimed
	for _, c := range candidates {
		const markLeased = `UPDATE tasks SET status=$1, updated_at=$2 WHERE tenant_id=$3 AND task_id=$4`
		if _, err := tx.ExecContext(ctx, markLeased, string(task.StatusLeased), now, tenantID, c.taskID); err != nil {
			return nil, fmt.Errorf("postgres: mark leased: %w", err)
		}

		l := lease.Lease{
			TenantID:   tenantID,
			LeaseID:    uuid.NewString(),
			TaskID:     c.taskID,
			WorkerID:   req.WorkerID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.TTL),
		}
		const upsertLease = `
			INSERT INTO leases (tenant_id, task_id, lease_id, worker_id, acquired_at, expires_at, renewal_count)
			VALUES ($1,$2,$3,$4,$5,$6,0)
			ON CONFLICT (tenant_id, task_id) DO UPDATE SET
				lease_id=EXCLUDED.lease_id, worker_id=EXCLUDED.worker_id,
				acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at, renewal_count=0
		`
		if _, err := tx.ExecContext(ctx, upsertLease, tenantID, c.taskID, l.LeaseID, l.WorkerID, l.AcquiredAt, l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: upsert lease: %w", err)
		}
		out = append(out, lease.Claimed{TaskID: c.taskID, Lease: l})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit claim tx: %w", err)
	}
	return out, nil
}

func scanLease(row *sql.Row) (lease.Lease, error) {
	var l lease.Lease
	if err := row.Scan(&l.TenantID, &l.TaskID, &l.LeaseID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.RenewalCount); err != nil {
		return lease.Lease{}, err
	}
	return l, nil
}

const leaseColumns = `tenant_id, task_id, lease_id, worker_id, acquired_at, expires_at, renewal_count`

func (s *LeaseStore) Validate(ctx context.Context, tenantID, taskID, leaseID, workerID string, now time.Time) (lease.Lease, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE tenant_id=$1 AND task_id=$2 AND lease_id=$3`,
		tenantID, taskID, leaseID)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lease.Lease{}, lease.ErrInvalidOrExpired
		}
		return lease.Lease{}, fmt.Errorf("postgres: validate lease: %w", err)
	}
	if !l.Valid(now, workerID) {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	return l, nil
}

// Renew uses compare-and-set on expires_at > now so a lease that expires
// between the caller's validation read and this write does not resurrect.
func (s *LeaseStore) Renew(ctx context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration, now time.Time, limits lease.Limits) (lease.Lease, error) {
	l, err := s.Validate(ctx, tenantID, taskID, leaseID, workerID, now)
	if err != nil {
		return lease.Lease{}, err
	}
	if err := limits.CheckRenewal(l, now, extendBy); err != nil {
		return lease.Lease{}, err
	}

	const q = `
		UPDATE leases SET expires_at=$1, renewal_count=renewal_count+1
		WHERE tenant_id=$2 AND task_id=$3 AND lease_id=$4 AND worker_id=$5 AND expires_at > $6
	`
	res, err := s.conn.ExecContext(ctx, q, now.Add(extendBy), tenantID, taskID, leaseID, workerID, now)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("postgres: renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return lease.Lease{}, fmt.Errorf("postgres: rows affected: %w", err)
	}
	if affected == 0 {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	return s.Validate(ctx, tenantID, taskID, leaseID, workerID, now)
}

func (s *LeaseStore) Release(ctx context.Context, tenantID, taskID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM leases WHERE tenant_id=$1 AND task_id=$2`, tenantID, taskID); err != nil {
		return fmt.Errorf("postgres: release lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) GetExpired(ctx context.Context, now time.Time, limit int) ([]lease.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE expires_at <= $1 ORDER BY expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired leases: %w", err)
	}
	defer rows.Close()

	var out []lease.Lease
	for rows.Next() {
		var l lease.Lease
		if err := rows.Scan(&l.TenantID, &l.TaskID, &l.LeaseID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.RenewalCount); err != nil {
			return nil, fmt.Errorf("postgres: scan expired lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
