package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/retrypolicy"
	"github.com/asyncgate/asyncgate/internal/task"
)

const taskColumns = `tenant_id, task_id, idempotency_key, type, payload, requirements,
	priority, max_attempts, retry_backoff_ms, created_by_kind, created_by_id,
	status, attempt, next_eligible_at, result_succeeded, result_error, result_data,
	created_at, updated_at`

// TaskStore is a SQLite-backed task.Store.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func scanTask(row interface{ Scan(dest ...any) error }) (task.Task, error) {
	var t task.Task
	var idempKey string
	var reqJSON []byte
	var retryBackoffMs int64
	var createdByKind, createdByID string
	var resultSucceeded sql.NullInt64
	var resultError sql.NullString
	var resultData []byte
	var nextEligibleAt, createdAt, updatedAt string

	err := row.Scan(
		&t.TenantID, &t.TaskID, &idempKey, &t.Type, &t.Payload, &reqJSON,
		&t.Priority, &t.MaxAttempts, &retryBackoffMs, &createdByKind, &createdByID,
		&t.Status, &t.Attempt, &nextEligibleAt, &resultSucceeded, &resultError, &resultData,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("sqlite: scan task: %w", err)
	}

	t.IdempotencyKey = idempKey
	t.RetryBackoff = time.Duration(retryBackoffMs) * time.Millisecond
	if t.NextEligibleAt, err = time.Parse(time.RFC3339Nano, nextEligibleAt); err != nil {
		return task.Task{}, fmt.Errorf("sqlite: parse next_eligible_at: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return task.Task{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return task.Task{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}

	var reqs task.Requirements
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &reqs); err != nil {
			return task.Task{}, fmt.Errorf("sqlite: unmarshal requirements: %w", err)
		}
	}
	t.Requirements = reqs

	createdBy, err := principal.New(principal.Kind(createdByKind), createdByID)
	if err != nil {
		return task.Task{}, fmt.Errorf("sqlite: invalid created_by: %w", err)
	}
	t.CreatedBy = createdBy

	if resultSucceeded.Valid {
		var data map[string]any
		if len(resultData) > 0 {
			if err := json.Unmarshal(resultData, &data); err != nil {
				return task.Task{}, fmt.Errorf("sqlite: unmarshal result data: %w", err)
			}
		}
		t.Result = &task.Result{Succeeded: resultSucceeded.Int64 != 0, Error: resultError.String, Data: data}
	}
	return t, nil
}

func (s *TaskStore) Create(ctx context.Context, tenantID string, spec task.Spec, createdBy principal.Principal, idempotencyKey string) (task.Task, error) {
	now := time.Now().UTC()
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	taskID := uuid.NewString()
	nowText := now.Format(time.RFC3339Nano)

	reqJSON, err := json.Marshal(spec.Requirements)
	if err != nil {
		return task.Task{}, fmt.Errorf("sqlite: marshal requirements: %w", err)
	}

	const insert = `
		INSERT INTO tasks (
			tenant_id, task_id, idempotency_key, type, payload, requirements,
			priority, max_attempts, retry_backoff_ms, created_by_kind, created_by_id,
			status, attempt, next_eligible_at, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, insert,
		tenantID, taskID, idempotencyKey, spec.Type, spec.Payload, reqJSON,
		spec.Priority, maxAttempts, spec.RetryBackoff.Milliseconds(),
		string(createdBy.Kind), createdBy.ID,
		string(task.StatusQueued), 1, nowText, nowText, nowText,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("sqlite: insert task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return task.Task{}, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 && idempotencyKey != "" {
		row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id=? AND idempotency_key=?`, tenantID, idempotencyKey)
		return scanTask(row)
	}
	return s.Get(ctx, tenantID, taskID)
}

func (s *TaskStore) Get(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id=? AND task_id=?`, tenantID, taskID)
	return scanTask(row)
}

func (s *TaskStore) List(ctx context.Context, tenantID string, filters task.Filters, cursor *task.Cursor, limit int) (task.Page, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{tenantID}

	if filters.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filters.Status))
	}
	if filters.Type != "" {
		query += " AND type = ?"
		args = append(args, filters.Type)
	}
	if cursor != nil {
		query += " AND (created_at > ? OR (created_at = ? AND task_id > ?))"
		c := cursor.CreatedAt.Format(time.RFC3339Nano)
		args = append(args, c, c, cursor.TaskID)
	}
	query += " ORDER BY created_at ASC, task_id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return task.Page{}, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var all []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return task.Page{}, err
		}
		all = append(all, t)
	}
	if err := rows.Err(); err != nil {
		return task.Page{}, fmt.Errorf("sqlite: iterate tasks: %w", err)
	}

	var next *task.Cursor
	if limit > 0 && len(all) > limit {
		last := all[limit-1]
		next = &task.Cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID}
		all = all[:limit]
	}
	return task.Page{Tasks: all, NextCursor: next}, nil
}

func (s *TaskStore) Transition(ctx context.Context, tenantID, taskID string, expectedFrom, to task.Status, result *task.Result) (bool, error) {
	if !task.CanTransition(expectedFrom, to) {
		return false, task.ErrInvalidStateTransition
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var resultSucceeded sql.NullInt64
	var resultError sql.NullString
	var resultData []byte
	if result != nil {
		succeeded := int64(0)
		if result.Succeeded {
			succeeded = 1
		}
		resultSucceeded = sql.NullInt64{Int64: succeeded, Valid: true}
		resultError = sql.NullString{String: result.Error, Valid: result.Error != ""}
		if result.Data != nil {
			data, err := json.Marshal(result.Data)
			if err != nil {
				return false, fmt.Errorf("sqlite: marshal result data: %w", err)
			}
			resultData = data
		}
	}

	const q = `
		UPDATE tasks SET status=?, result_succeeded=?, result_error=?, result_data=?, updated_at=?
		WHERE tenant_id=? AND task_id=? AND status=?
	`
	res, err := s.db.ExecContext(ctx, q, string(to), resultSucceeded, resultError, resultData, now, tenantID, taskID, string(expectedFrom))
	if err != nil {
		return false, fmt.Errorf("sqlite: transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *TaskStore) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	t, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	attempt := t.Attempt + 1
	nowText := now.Format(time.RFC3339Nano)

	if attempt > t.MaxAttempts {
		const q = `
			UPDATE tasks SET status=?, attempt=?, result_succeeded=?, result_error=?, updated_at=?
			WHERE tenant_id=? AND task_id=?
		`
		if _, err := s.db.ExecContext(ctx, q, string(task.StatusFailed), attempt, 0, "max attempts exceeded", nowText, tenantID, taskID); err != nil {
			return task.Task{}, fmt.Errorf("sqlite: requeue to failed: %w", err)
		}
	} else {
		backoff := retrypolicy.Compute(t.RetryBackoff, attempt, retrypolicy.DefaultMaxBackoff)
		const q = `
			UPDATE tasks SET status=?, attempt=?, next_eligible_at=?, updated_at=?
			WHERE tenant_id=? AND task_id=?
		`
		if _, err := s.db.ExecContext(ctx, q, string(task.StatusQueued), attempt, now.Add(backoff).Format(time.RFC3339Nano), nowText, tenantID, taskID); err != nil {
			return task.Task{}, fmt.Errorf("sqlite: requeue with backoff: %w", err)
		}
	}
	return s.Get(ctx, tenantID, taskID)
}

func (s *TaskStore) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	// Deliberately does not touch attempt — I4.
	nowText := now.Format(time.RFC3339Nano)
	const q = `UPDATE tasks SET status=?, next_eligible_at=?, updated_at=? WHERE tenant_id=? AND task_id=?`
	if _, err := s.db.ExecContext(ctx, q, string(task.StatusQueued), nowText, nowText, tenantID, taskID); err != nil {
		return task.Task{}, fmt.Errorf("sqlite: requeue on expiry: %w", err)
	}
	return s.Get(ctx, tenantID, taskID)
}
