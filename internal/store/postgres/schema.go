// Package postgres implements task.Store, lease.Store and receipt.Store
// against a real Postgres database via lib/pq, for asyncgated's durable
// deployment mode. Grounded on
// pkg/store/ledger/postgres_ledger.go and sql_ledger.go: embedded
// CREATE TABLE IF NOT EXISTS schema strings, the SELECT ... FOR UPDATE
// SKIP LOCKED claim transaction, and sql.NullString-style nullable-column
// scanning.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied once at startup. A GIN index on receipts.parents is
// the inverted index spec.md §6 requires for HasTerminator/BatchTerminators
// to stay sublinear as the ledger grows.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	tenant_id         TEXT NOT NULL,
	task_id           TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	payload           BYTEA,
	requirements      JSONB,
	priority          INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 1,
	retry_backoff_ms  BIGINT NOT NULL DEFAULT 0,
	created_by_kind   TEXT NOT NULL,
	created_by_id     TEXT NOT NULL,
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 1,
	next_eligible_at  TIMESTAMPTZ NOT NULL,
	result_succeeded  BOOLEAN,
	result_error      TEXT,
	result_data       JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, task_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_idx
	ON tasks (tenant_id, idempotency_key) WHERE idempotency_key <> '';

CREATE INDEX IF NOT EXISTS tasks_claim_idx
	ON tasks (tenant_id, status, next_eligible_at, priority DESC, created_at, task_id);

CREATE TABLE IF NOT EXISTS leases (
	tenant_id      TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	lease_id       TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	acquired_at    TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	renewal_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, task_id)
);

CREATE INDEX IF NOT EXISTS leases_expiry_idx ON leases (expires_at);

CREATE TABLE IF NOT EXISTS receipts (
	tenant_id     TEXT NOT NULL,
	receipt_id    TEXT NOT NULL,
	receipt_type  TEXT NOT NULL,
	from_kind     TEXT NOT NULL,
	from_id       TEXT NOT NULL,
	to_kind       TEXT NOT NULL,
	to_id         TEXT NOT NULL,
	task_id       TEXT NOT NULL DEFAULT '',
	lease_id      TEXT NOT NULL DEFAULT '',
	parents       TEXT[] NOT NULL DEFAULT '{}',
	body          JSONB NOT NULL,
	hash          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, receipt_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS receipts_hash_idx ON receipts (tenant_id, hash);
CREATE INDEX IF NOT EXISTS receipts_parents_gin_idx ON receipts USING GIN (parents);
CREATE INDEX IF NOT EXISTS receipts_obligation_idx
	ON receipts (tenant_id, to_kind, to_id, receipt_type, created_at, receipt_id);
CREATE INDEX IF NOT EXISTS receipts_task_type_idx ON receipts (tenant_id, task_id, receipt_type);
`

// Init applies the schema. Safe to call on every startup.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}
