package sqlite

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

const leaseColumns = `tenant_id, task_id, lease_id, worker_id, acquired_at, expires_at, renewal_count`

// LeaseStore is a SQLite-backed lease.Store. ClaimNext runs inside one
// transaction like the Postgres backend, but without FOR UPDATE SKIP
// LOCKED: SQLite serializes writers at the database level, so a plain
// SELECT-then-UPDATE inside a transaction already gives the same
// no-double-claim guarantee.
type LeaseStore struct {
	db *sql.DB
}

func NewLeaseStore(db *sql.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

func scanLease(row interface{ Scan(dest ...any) error }) (lease.Lease, error) {
	var l lease.Lease
	var acquiredAt, expiresAt string
	if err := row.Scan(&l.TenantID, &l.TaskID, &l.LeaseID, &l.WorkerID, &acquiredAt, &expiresAt, &l.RenewalCount); err != nil {
		return lease.Lease{}, err
	}
	var err error
	if l.AcquiredAt, err = time.Parse(time.RFC3339Nano, acquiredAt); err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: parse acquired_at: %w", err)
	}
	if l.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: parse expires_at: %w", err)
	}
	return l, nil
}

func (s *LeaseStore) ClaimNext(ctx context.Context, tenantID string, req lease.ClaimRequest, now time.Time) ([]lease.Claimed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	max := req.MaxTasks
	if max <= 0 {
		max = 1
	}
	nowText := now.Format(time.RFC3339Nano)

	const selectCandidates = `
		SELECT task_id, requirements FROM tasks
		WHERE tenant_id = ? AND status = ? AND next_eligible_at <= ?
		ORDER BY priority DESC, created_at ASC, task_id ASC
	`
	rows, err := tx.QueryContext(ctx, selectCandidates, tenantID, string(task.StatusQueued), nowText)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claim candidates: %w", err)
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
			return nil, fmt.Errorf("sqlite: scan claim candidate: %w", err)
		}
		var reqs task.Requirements
		if len(reqJSON) > 0 {
			if err := json.Unmarshal(reqJSON, &reqs); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("sqlite: unmarshal requirements: %w", err)
			}
		}
		if !reqs.SatisfiedBy(req.Capabilities) {
			continue
		}
		candidates = append(candidates, candidate{taskID: taskID, reqs: reqs})
		if len(candidates) >= max {
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("sqlite: iterate claim candidates: %w", err)
	}
	_ = rows.Close()

	var out []lease.Claimed
	for _, c := range candidates {
		const markLeased = `UPDATE tasks SET status=?, updated_at=? WHERE tenant_id=? AND task_id=?`
		if _, err := tx.ExecContext(ctx, markLeased, string(task.StatusLeased), nowText, tenantID, c.taskID); err != nil {
			return nil, fmt.Errorf("sqlite: mark leased: %w", err)
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
			VALUES (?,?,?,?,?,?,0)
			ON CONFLICT (tenant_id, task_id) DO UPDATE SET
				lease_id=excluded.lease_id, worker_id=excluded.worker_id,
				acquired_at=excluded.acquired_at, expires_at=excluded.expires_at, renewal_count=0
		`
		if _, err := tx.ExecContext(ctx, upsertLease, tenantID, c.taskID, l.LeaseID, l.WorkerID,
			l.AcquiredAt.Format(time.RFC3339Nano), l.ExpiresAt.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("sqlite: upsert lease: %w", err)
		}
		out = append(out, lease.Claimed{TaskID: c.taskID, Lease: l})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim tx: %w", err)
	}
	return out, nil
}

func (s *LeaseStore) Validate(ctx context.Context, tenantID, taskID, leaseID, workerID string, now time.Time) (lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE tenant_id=? AND task_id=? AND lease_id=?`,
		tenantID, taskID, leaseID)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lease.Lease{}, lease.ErrInvalidOrExpired
		}
		return lease.Lease{}, fmt.Errorf("sqlite: validate lease: %w", err)
	}
	if !l.Valid(now, workerID) {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	return l, nil
}

func (s *LeaseStore) Renew(ctx context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration, now time.Time, limits lease.Limits) (lease.Lease, error) {
	l, err := s.Validate(ctx, tenantID, taskID, leaseID, workerID, now)
	if err != nil {
		return lease.Lease{}, err
	}
	if err := limits.CheckRenewal(l, now, extendBy); err != nil {
		return lease.Lease{}, err
	}

	const q = `
		UPDATE leases SET expires_at=?, renewal_count=renewal_count+1
		WHERE tenant_id=? AND task_id=? AND lease_id=? AND worker_id=? AND expires_at > ?
	`
	res, err := s.db.ExecContext(ctx, q, now.Add(extendBy).Format(time.RFC3339Nano), tenantID, taskID, leaseID, workerID, now.Format(time.RFC3339Nano))
	if err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return lease.Lease{}, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	return s.Validate(ctx, tenantID, taskID, leaseID, workerID, now)
}

func (s *LeaseStore) Release(ctx context.Context, tenantID, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE tenant_id=? AND task_id=?`, tenantID, taskID); err != nil {
		return fmt.Errorf("sqlite: release lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) GetExpired(ctx context.Context, now time.Time, limit int) ([]lease.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE expires_at <= ? ORDER BY expires_at ASC`
	args := []any{now.Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired leases: %w", err)
	}
	defer rows.Close()

	var out []lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan expired lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
