// Package memory provides in-process implementations of task.Store,
// lease.Store and receipt.Store, used by engine unit tests and by
// asyncgated run with STORE_BACKEND=memory for local experimentation.
//
// Grounded on pkg/runtime/obligation/engine.go's MemoryStore: a mutex-
// guarded map keyed by id, with the same "find candidate, mutate,
// return" shape as the teacher's AtomicLease. AsyncGate splits that one
// teacher type into three (task/lease/receipt) because the real system
// separates those concerns into different storage collections
// (spec.md §6 "Persistent state layout").
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/retrypolicy"
	"github.com/asyncgate/asyncgate/internal/task"
)

// TaskStore is an in-memory task.Store.
type TaskStore struct {
	mu          sync.Mutex
	byID        map[string]*task.Task
	byIdempKey  map[string]string // tenant|key -> task id
}

// NewTaskStore constructs an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		byID:       make(map[string]*task.Task),
		byIdempKey: make(map[string]string),
	}
}

func idempKey(tenantID, key string) string { return tenantID + "|" + key }

func (s *TaskStore) Create(_ context.Context, tenantID string, spec task.Spec, createdBy principal.Principal, idempotencyKey string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := s.byIdempKey[idempKey(tenantID, idempotencyKey)]; ok {
			return *s.byID[existingID], nil
		}
	}

	now := time.Now().UTC()
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	t := &task.Task{
		TenantID:       tenantID,
		TaskID:         uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Type:           spec.Type,
		Payload:        spec.Payload,
		Requirements:   spec.Requirements,
		Priority:       spec.Priority,
		MaxAttempts:    maxAttempts,
		RetryBackoff:   spec.RetryBackoff,
		CreatedBy:      createdBy,
		Status:         task.StatusQueued,
		Attempt:        1,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.byID[t.TaskID] = t
	if idempotencyKey != "" {
		s.byIdempKey[idempKey(tenantID, idempotencyKey)] = t.TaskID
	}
	return *t, nil
}

func (s *TaskStore) Get(_ context.Context, tenantID, taskID string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.TenantID != tenantID {
		return task.Task{}, task.ErrNotFound
	}
	return *t, nil
}

func (s *TaskStore) List(_ context.Context, tenantID string, filters task.Filters, cursor *task.Cursor, limit int) (task.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []task.Task
	for _, t := range s.byID {
		if t.TenantID != tenantID {
			continue
		}
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.Type != "" && t.Type != filters.Type {
			continue
		}
		all = append(all, *t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].TaskID < all[j].TaskID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	start := 0
	if cursor != nil {
		for i, t := range all {
			if t.CreatedAt.After(cursor.CreatedAt) || (t.CreatedAt.Equal(cursor.CreatedAt) && t.TaskID > cursor.TaskID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	var next *task.Cursor
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = &task.Cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID}
	}
	return task.Page{Tasks: page, NextCursor: next}, nil
}

func (s *TaskStore) Transition(_ context.Context, tenantID, taskID string, expectedFrom, to task.Status, result *task.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.TenantID != tenantID {
		return false, task.ErrNotFound
	}
	if t.Status != expectedFrom {
		return false, nil
	}
	if !task.CanTransition(t.Status, to) {
		return false, task.ErrInvalidStateTransition
	}
	t.Status = to
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *TaskStore) RequeueWithBackoff(_ context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.TenantID != tenantID {
		return task.Task{}, task.ErrNotFound
	}
	t.Attempt++
	if t.Attempt > t.MaxAttempts {
		t.Status = task.StatusFailed
		t.Result = &task.Result{Succeeded: false, Error: "max attempts exceeded"}
	} else {
		backoff := retrypolicy.Compute(t.RetryBackoff, t.Attempt, retrypolicy.DefaultMaxBackoff)
		t.Status = task.StatusQueued
		t.NextEligibleAt = now.Add(backoff)
	}
	t.UpdatedAt = now
	return *t, nil
}

func (s *TaskStore) RequeueOnExpiry(_ context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[taskID]
	if !ok || t.TenantID != tenantID {
		return task.Task{}, task.ErrNotFound
	}
	// Deliberately does not touch t.Attempt — I4.
	t.Status = task.StatusQueued
	t.NextEligibleAt = now
	t.UpdatedAt = now
	return *t, nil
}
