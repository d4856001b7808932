package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/retrypolicy"
	"github.com/asyncgate/asyncgate/internal/task"
)

const taskColumns = `tenant_id, task_id, idempotency_key, type, payload, requirements,
	priority, max_attempts, retry_backoff_ms, created_by_kind, created_by_id,
	status, attempt, next_eligible_at, result_succeeded, result_error, result_data,
	created_at, updated_at`

// TaskStore is a Postgres-backed task.Store.
type TaskStore struct {
	db   *sql.DB
	exec task.Executor
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, exec: newExecutor(db)}
}

// withConn returns a TaskStore bound to conn instead of the store's
// *sql.DB — how Engine gets a task store sharing one *sql.Tx with the
// lease and receipt stores for one mutating operation.
func (s *TaskStore) withConn(conn sqlConn) *TaskStore {
	return &TaskStore{db: s.db, exec: newExecutor(conn)}
}

func scanTask(row task.Row) (task.Task, error) {
	var t task.Task
	var idempKey string
	var reqJSON []byte
	var retryBackoffMs int64
	var createdByKind, createdByID string
	var resultSucceeded sql.NullBool
	var resultError sql.NullString
	var resultData []byte

	err := row.Scan(
		&t.TenantID, &t.TaskID, &idempKey, &t.Type, &t.Payload, &reqJSON,
		&t.Priority, &t.MaxAttempts, &retryBackoffMs, &createdByKind, &createdByID,
		&t.Status, &t.Attempt, &t.NextEligibleAt, &resultSucceeded, &resultError, &resultData,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("postgres: scan task: %w", err)
	}

	t.IdempotencyKey = idempKey
	t.RetryBackoff = time.Duration(retryBackoffMs) * time.Millisecond

	var reqs task.Requirements
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &reqs); err != nil {
			return task.Task{}, fmt.Errorf("postgres: unmarshal requirements: %w", err)
		}
	}
	t.Requirements = reqs

	createdBy, err := principal.New(principal.Kind(createdByKind), createdByID)
	if err != nil {
		return task.Task{}, fmt.Errorf("postgres: invalid created_by: %w", err)
	}
	t.CreatedBy = createdBy

	if resultSucceeded.Valid {
		var data map[string]any
		if len(resultData) > 0 {
			if err := json.Unmarshal(resultData, &data); err != nil {
				return task.Task{}, fmt.Errorf("postgres: unmarshal result data: %w", err)
			}
		}
		t.Result = &task.Result{Succeeded: resultSucceeded.Bool, Error: resultError.String, Data: data}
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

	reqJSON, err := json.Marshal(spec.Requirements)
	if err != nil {
		return task.Task{}, fmt.Errorf("postgres: marshal requirements: %w", err)
	}

	const insert = `
		INSERT INTO tasks (
			tenant_id, task_id, idempotency_key, type, payload, requirements,
			priority, max_attempts, retry_backoff_ms, created_by_kind, created_by_id,
			status, attempt, next_eligible_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
	`
	res, err := s.exec.ExecContext(ctx, insert,
		tenantID, taskID, idempotencyKey, spec.Type, spec.Payload, reqJSON,
		spec.Priority, maxAttempts, spec.RetryBackoff.Milliseconds(),
		string(createdBy.Kind), createdBy.ID,
		string(task.StatusQueued), 1, now, now,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("postgres: insert task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return task.Task{}, fmt.Errorf("postgres: rows affected: %w", err)
	}
	if affected == 0 && idempotencyKey != "" {
		row := s.exec.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, idempotencyKey)
		return scanTask(row)
	}
	return s.Get(ctx, tenantID, taskID)
}

func (s *TaskStore) Get(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	row := s.exec.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id=$1 AND task_id=$2`, tenantID, taskID)
	return scanTask(row)
}

func (s *TaskStore) List(ctx context.Context, tenantID string, filters task.Filters, cursor *task.Cursor, limit int) (task.Page, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.TaskID)
		query += fmt.Sprintf(" AND (created_at, task_id) > ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at ASC, task_id ASC"
	if limit > 0 {
		args = append(args, limit+1)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return task.Page{}, fmt.Errorf("postgres: list tasks: %w", err)
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
		return task.Page{}, fmt.Errorf("postgres: iterate tasks: %w", err)
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
	now := time.Now().UTC()

	var resultSucceeded sql.NullBool
	var resultError sql.NullString
	var resultData []byte
	if result != nil {
		resultSucceeded = sql.NullBool{Bool: result.Succeeded, Valid: true}
		resultError = sql.NullString{String: result.Error, Valid: result.Error != ""}
		if result.Data != nil {
			data, err := json.Marshal(result.Data)
			if err != nil {
				return false, fmt.Errorf("postgres: marshal result data: %w", err)
			}
			resultData = data
		}
	}

	const q = `
		UPDATE tasks SET status=$1, result_succeeded=$2, result_error=$3, result_data=$4, updated_at=$5
		WHERE tenant_id=$6 AND task_id=$7 AND status=$8
	`
	res, err := s.exec.ExecContext(ctx, q, string(to), resultSucceeded, resultError, resultData, now, tenantID, taskID, string(expectedFrom))
	if err != nil {
		return false, fmt.Errorf("postgres: transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *TaskStore) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	t, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return task.Task{}, err
	}
	attempt := t.Attempt + 1

	if attempt > t.MaxAttempts {
		const q = `
			UPDATE tasks SET status=$1, attempt=$2, result_succeeded=$3, result_error=$4, updated_at=$5
			WHERE tenant_id=$6 AND task_id=$7
		`
		if _, err := s.exec.ExecContext(ctx, q, string(task.StatusFailed), attempt, false, "max attempts exceeded", now, tenantID, taskID); err != nil {
			return task.Task{}, fmt.Errorf("postgres: requeue to failed: %w", err)
		}
	} else {
		backoff := retrypolicy.Compute(t.RetryBackoff, attempt, retrypolicy.DefaultMaxBackoff)
		const q = `
			UPDATE tasks SET status=$1, attempt=$2, next_eligible_at=$3, updated_at=$4
			WHERE tenant_id=$5 AND task_id=$6
		`
		if _, err := s.exec.ExecContext(ctx, q, string(task.StatusQueued), attempt, now.Add(backoff), now, tenantID, taskID); err != nil {
			return task.Task{}, fmt.Errorf("postgres: requeue with backoff: %w", err)
		}
	}
	return s.Get(ctx, tenantID, taskID)
}

func (s *TaskStore) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, now time.Time) (task.Task, error) {
	// Deliberately does not touch attempt — I4.
	const q = `UPDATE tasks SET status=$1, next_eligible_at=$2, updated_at=$3 WHERE tenant_id=$4 AND task_id=$5`
	if _, err := s.exec.ExecContext(ctx, q, string(task.StatusQueued), now, now, tenantID, taskID); err != nil {
		return task.Task{}, fmt.Errorf("postgres: requeue on expiry: %w", err)
	}
	return s.Get(ctx, tenantID, taskID)
}
