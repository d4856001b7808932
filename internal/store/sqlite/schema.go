// Package sqlite implements task.Store, lease.Store and receipt.Store
// against modernc.org/sqlite, backing asyncgated run with
// STORE_BACKEND=sqlite — a single
// binary, no-Postgres-required mode for local development and tests.
// Grounded on pkg/store/receipt_store_sqlite.go: a migrate()-on-open
// schema, "?" positional placeholders, and RFC3339Nano text timestamps
// (SQLite has no native timestamp type).
//
// SQLite's single-writer model makes store/ledger/postgres_ledger.go's
// SELECT ... FOR UPDATE SKIP LOCKED claim pattern moot — only one writer
// transaction runs at a time regardless — so ClaimNext here is a plain
// read-then-update inside one transaction rather than a SKIP LOCKED
// query. Receipt parent lookups use an auxiliary join table
// (receipt_parents) in place of Postgres's GIN index on a text[] column,
// since SQLite has no array or inverted-index column type.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	tenant_id         TEXT NOT NULL,
	task_id           TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	payload           BLOB,
	requirements      TEXT,
	priority          INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 1,
	retry_backoff_ms  INTEGER NOT NULL DEFAULT 0,
	created_by_kind   TEXT NOT NULL,
	created_by_id     TEXT NOT NULL,
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 1,
	next_eligible_at  TEXT NOT NULL,
	result_succeeded  INTEGER,
	result_error      TEXT,
	result_data       TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	PRIMARY KEY (tenant_id, task_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_idx
	ON tasks (tenant_id, idempotency_key) WHERE idempotency_key <> '';

CREATE INDEX IF NOT EXISTS tasks_claim_idx ON tasks (tenant_id, status, next_eligible_at);

CREATE TABLE IF NOT EXISTS leases (
	tenant_id      TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	lease_id       TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	acquired_at    TEXT NOT NULL,
	expires_at     TEXT NOT NULL,
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
	parents       TEXT NOT NULL DEFAULT '[]',
	body          TEXT NOT NULL,
	hash          TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (tenant_id, receipt_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS receipts_hash_idx ON receipts (tenant_id, hash);
CREATE INDEX IF NOT EXISTS receipts_obligation_idx
	ON receipts (tenant_id, to_kind, to_id, receipt_type, created_at, receipt_id);
CREATE INDEX IF NOT EXISTS receipts_task_type_idx ON receipts (tenant_id, task_id, receipt_type);

CREATE TABLE IF NOT EXISTS receipt_parents (
	tenant_id   TEXT NOT NULL,
	parent_id   TEXT NOT NULL,
	receipt_id  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, parent_id, receipt_id)
);

CREATE INDEX IF NOT EXISTS receipt_parents_idx ON receipt_parents (tenant_id, parent_id);
`

// Open opens a modernc.org/sqlite database at path and applies the schema.
// path may be ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows exactly one writer at a time; force the pool down to
	// one connection so ClaimNext's read-then-update doesn't interleave
	// with another goroutine's transaction on a second connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}
