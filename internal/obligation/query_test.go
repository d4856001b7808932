package obligation

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/store/memory"
)

func owner() principal.Principal {
	p, _ := principal.New(principal.KindAgent, "owner-1")
	return p
}

func worker() principal.Principal {
	p, _ := principal.New(principal.KindWorker, "worker-1")
	return p
}

// TestOutputShapeIsUnbucketed is a permanent anti-regression test: the
// output of list_open_obligations must stay a flat {OpenObligations,
// Cursor} pair. Any "inbox"/"waiting"/type-bucketed grouping added to
// Result is a spec violation, not a feature.
func TestOutputShapeIsUnbucketed(t *testing.T) {
	typ := reflect.TypeOf(Result{})
	if typ.NumField() != 2 {
		t.Fatalf("Result must have exactly 2 fields, got %d: %+v", typ.NumField(), typ)
	}
	if _, ok := typ.FieldByName("OpenObligations"); !ok {
		t.Fatal("Result must have an OpenObligations field")
	}
	if _, ok := typ.FieldByName("Cursor"); !ok {
		t.Fatal("Result must have a Cursor field")
	}
	field, _ := typ.FieldByName("OpenObligations")
	if field.Type.Kind() != reflect.Slice {
		t.Fatalf("OpenObligations must be a flat slice, got %s", field.Type.Kind())
	}
}

func TestList_EmptyWhenNoObligations(t *testing.T) {
	receipts := memory.NewReceiptStore()
	q := New(receipts)

	result, err := q.List(context.Background(), "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.OpenObligations) != 0 {
		t.Fatalf("expected no open obligations, got %d", len(result.OpenObligations))
	}
	if result.Cursor != nil {
		t.Fatalf("expected nil cursor, got %+v", result.Cursor)
	}
}

func TestList_OpenUntilTerminated(t *testing.T) {
	receipts := memory.NewReceiptStore()
	ctx := context.Background()

	assigned, err := receipts.Create(ctx, "tenant-a", receipt.Spec{
		Type: receipt.TypeTaskAssigned, From: worker(), To: owner(), TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("create assigned: %v", err)
	}

	result, err := New(receipts).List(ctx, "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.OpenObligations) != 1 {
		t.Fatalf("expected 1 open obligation, got %d", len(result.OpenObligations))
	}

	if _, err := receipts.Create(ctx, "tenant-a", receipt.Spec{
		Type: receipt.TypeTaskCompleted, From: worker(), To: owner(), TaskID: "task-1",
		Parents: []string{assigned.ReceiptID}, Body: map[string]any{"delivery_proof": map[string]any{"ref": "x"}},
	}); err != nil {
		t.Fatalf("create completed: %v", err)
	}

	result, err = New(receipts).List(ctx, "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("List after terminate: %v", err)
	}
	if len(result.OpenObligations) != 0 {
		t.Fatalf("expected obligation closed, got %d still open", len(result.OpenObligations))
	}
}

func TestList_CrossTenantIsolation(t *testing.T) {
	receipts := memory.NewReceiptStore()
	ctx := context.Background()

	if _, err := receipts.Create(ctx, "tenant-a", receipt.Spec{
		Type: receipt.TypeTaskAssigned, From: worker(), To: owner(), TaskID: "task-1",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := New(receipts).List(ctx, "tenant-b", owner(), nil, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.OpenObligations) != 0 {
		t.Fatalf("obligation leaked across tenants: %d", len(result.OpenObligations))
	}
}

func TestList_PagesPastFullyClosedPage(t *testing.T) {
	receipts := memory.NewReceiptStore().WithClock(tickingClock())
	ctx := context.Background()
	to := owner()

	// First candidate page (limit 2) is fully closed; the real open one
	// lives on the next page. List must not return a short page here.
	a1, err := receipts.Create(ctx, "tenant-a", receipt.Spec{Type: receipt.TypeTaskAssigned, From: worker(), To: to, TaskID: "t1"})
	if err != nil {
		t.Fatalf("create a1: %v", err)
	}
	if _, err := receipts.Create(ctx, "tenant-a", receipt.Spec{
		Type: receipt.TypeTaskCompleted, From: worker(), To: to, TaskID: "t1",
		Parents: []string{a1.ReceiptID}, Body: map[string]any{"delivery_proof": map[string]any{"ref": "x"}},
	}); err != nil {
		t.Fatalf("create completed a1: %v", err)
	}

	a2, err := receipts.Create(ctx, "tenant-a", receipt.Spec{Type: receipt.TypeTaskAssigned, From: worker(), To: to, TaskID: "t2"})
	if err != nil {
		t.Fatalf("create a2: %v", err)
	}
	if _, err := receipts.Create(ctx, "tenant-a", receipt.Spec{
		Type: receipt.TypeTaskCompleted, From: worker(), To: to, TaskID: "t2",
		Parents: []string{a2.ReceiptID}, Body: map[string]any{"delivery_proof": map[string]any{"ref": "x"}},
	}); err != nil {
		t.Fatalf("create completed a2: %v", err)
	}

	if _, err := receipts.Create(ctx, "tenant-a", receipt.Spec{Type: receipt.TypeTaskAssigned, From: worker(), To: to, TaskID: "t3"}); err != nil {
		t.Fatalf("create a3: %v", err)
	}

	result, err := New(receipts).List(ctx, "tenant-a", to, nil, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.OpenObligations) != 1 {
		t.Fatalf("expected the single open obligation across the page boundary, got %d", len(result.OpenObligations))
	}
	if result.OpenObligations[0].Receipt.TaskID != "t3" {
		t.Fatalf("expected t3's assignment, got %s", result.OpenObligations[0].Receipt.TaskID)
	}
}

func tickingClock() func() time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}
