package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
)

func receiptRows(now time.Time) []string {
	return []string{
		"tenant_id", "receipt_id", "receipt_type", "from_kind", "from_id", "to_kind", "to_id",
		"task_id", "lease_id", "parents", "body", "hash", "created_at",
	}
}

// TestReceiptStore_Create_LenientLocatability verifies that a
// task.completed receipt with no artifacts or delivery_proof is stored
// with its parents stripped rather than rejected, matching
// memory.ReceiptStore's leniency branch (spec.md §4.4).
func TestReceiptStore_Create_LenientLocatability(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	store := NewReceiptStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	spec := receipt.Spec{
		Type:    receipt.TypeTaskCompleted,
		From:    principal.Principal{Kind: principal.KindWorker, ID: "worker-1"},
		To:      principal.Principal{Kind: principal.KindAgent, ID: "agent-1"},
		TaskID:  "task-1",
		Parents: []string{"assigned-1"},
		Body:    map[string]any{"ok": true},
	}

	cols := receiptRows(now)
	mock.ExpectQuery("SELECT .* FROM receipts WHERE tenant_id=\\$1 AND hash=\\$2").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("SELECT now\\(\\)").
		WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(now))
	mock.ExpectExec("INSERT INTO receipts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT .* FROM receipts WHERE tenant_id=\\$1 AND hash=\\$2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"tenant-a", "completed-1", string(receipt.TypeTaskCompleted), "worker", "worker-1", "agent", "agent-1",
			"task-1", "", nil, []byte(`{"ok":true}`), "deadbeef", now,
		))
	mock.ExpectQuery("SELECT .* FROM receipts WHERE tenant_id=\\$1 AND hash=\\$2").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec("INSERT INTO receipts").WillReturnResult(sqlmock.NewResult(1, 1))

	got, err := store.Create(ctx, "tenant-a", spec)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(got.Parents) != 0 {
		t.Errorf("expected parents stripped under locatability leniency, got %v", got.Parents)
	}
}
