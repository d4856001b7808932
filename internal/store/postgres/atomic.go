package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/asyncgate/asyncgate/internal/engine"
)

// AtomicStores groups the three Postgres stores behind one *sql.DB so
// Engine operations that mutate more than one of them (Complete, Fail,
// CancelTask) can run inside a single shared transaction instead of as
// independent, separately-failable writes. Begin is engine.Atomic's
// single method; it hands the caller task/lease/receipt stores bound to
// the same *sql.Tx plus the commit/rollback that manages it.
type AtomicStores struct {
	db *sql.DB
}

func NewAtomicStores(db *sql.DB) *AtomicStores {
	return &AtomicStores{db: db}
}

func (a *AtomicStores) Begin(ctx context.Context) (engine.TxStores, func() error, func() error, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.TxStores{}, nil, nil, fmt.Errorf("postgres: begin op tx: %w", err)
	}

	taskStore := NewTaskStore(a.db).withConn(tx)
	leaseStore := NewLeaseStore(a.db).withConn(tx)
	receiptStore := NewReceiptStore(a.db).withConn(tx)

	committed := false
	commit := func() error {
		committed = true
		return tx.Commit()
	}
	rollback := func() error {
		if committed {
			return nil
		}
		return tx.Rollback()
	}

	return engine.TxStores{Tasks: taskStore, Leases: leaseStore, Receipts: receiptStore}, commit, rollback, nil
}
