package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/task"
)

// LeaseStore is an in-memory lease.Store. It shares the TaskStore it was
// built with so ClaimNext can atomically read/update task rows, mirroring
// the single-mutex critical section the real Postgres backend achieves
// with `SELECT ... FOR UPDATE SKIP LOCKED` inside one transaction.
type LeaseStore struct {
	mu      sync.Mutex
	tasks   *TaskStore
	byTask  map[string]*lease.Lease // tenant|task_id -> active lease
}

func NewLeaseStore(tasks *TaskStore) *LeaseStore {
	return &LeaseStore{
		tasks:  tasks,
		byTask: make(map[string]*lease.Lease),
	}
}

func leaseKey(tenantID, taskID string) string { return tenantID + "|" + taskID }

func (s *LeaseStore) ClaimNext(_ context.Context, tenantID string, req lease.ClaimRequest, now time.Time) ([]lease.Claimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks.mu.Lock()
	defer s.tasks.mu.Unlock()

	var candidates []*task.Task
	for _, t := range s.tasks.byID {
		if t.TenantID != tenantID || t.Status != task.StatusQueued {
			continue
		}
		if t.NextEligibleAt.After(now) {
			continue
		}
		if active, ok := s.byTask[leaseKey(tenantID, t.TaskID)]; ok && active.ExpiresAt.After(now) {
			continue // I1: a non-expired lease already exists
		}
		if !t.Requirements.SatisfiedBy(req.Capabilities) {
			continue // capability mismatch: row dropped immediately (no lock held here to drop)
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})

	max := req.MaxTasks
	if max <= 0 || max > len(candidates) {
		max = len(candidates)
	}

	var out []lease.Claimed
	for _, t := range candidates[:max] {
		t.Status = task.StatusLeased
		t.UpdatedAt = now

		l := lease.Lease{
			TenantID:   tenantID,
			LeaseID:    uuid.NewString(),
			TaskID:     t.TaskID,
			WorkerID:   req.WorkerID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.TTL),
		}
		s.byTask[leaseKey(tenantID, t.TaskID)] = &l
		out = append(out, lease.Claimed{TaskID: t.TaskID, Lease: l})
	}
	return out, nil
}

func (s *LeaseStore) Validate(_ context.Context, tenantID, taskID, leaseID, workerID string, now time.Time) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byTask[leaseKey(tenantID, taskID)]
	if !ok || l.LeaseID != leaseID || !l.Valid(now, workerID) {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	return *l, nil
}

func (s *LeaseStore) Renew(_ context.Context, tenantID, taskID, leaseID, workerID string, extendBy time.Duration, now time.Time, limits lease.Limits) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byTask[leaseKey(tenantID, taskID)]
	if !ok || l.LeaseID != leaseID || !l.Valid(now, workerID) {
		return lease.Lease{}, lease.ErrInvalidOrExpired
	}
	if err := limits.CheckRenewal(*l, now, extendBy); err != nil {
		return lease.Lease{}, err
	}
	l.RenewalCount++
	l.ExpiresAt = now.Add(extendBy)
	return *l, nil
}

func (s *LeaseStore) Release(_ context.Context, tenantID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTask, leaseKey(tenantID, taskID))
	return nil
}

func (s *LeaseStore) GetExpired(_ context.Context, now time.Time, limit int) ([]lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []lease.Lease
	for _, l := range s.byTask {
		if !l.ExpiresAt.After(now) {
			out = append(out, *l)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
