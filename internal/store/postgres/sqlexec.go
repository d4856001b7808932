package postgres

import (
	"context"
	"database/sql"

	"github.com/asyncgate/asyncgate/internal/task"
)

// sqlConn is satisfied by both *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// dbExecutor adapts a sqlConn to task.Executor, so the store's query
// helpers run unmodified against either a bare connection pool or a
// caller-managed transaction. Generalizes the tx.BeginTx/Rollback/Commit
// shape store/ledger/postgres_ledger.go's AcquireNextPending uses for a
// single method into something every TaskStore method can share.
type dbExecutor struct {
	conn sqlConn
}

func newExecutor(conn sqlConn) task.Executor {
	return dbExecutor{conn: conn}
}

func (e dbExecutor) ExecContext(ctx context.Context, query string, args ...any) (task.ExecResult, error) {
	return e.conn.ExecContext(ctx, query, args...)
}

func (e dbExecutor) QueryRowContext(ctx context.Context, query string, args ...any) task.Row {
	return e.conn.QueryRowContext(ctx, query, args...)
}

func (e dbExecutor) QueryContext(ctx context.Context, query string, args ...any) (task.Rows, error) {
	return e.conn.QueryContext(ctx, query, args...)
}
