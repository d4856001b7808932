package toolproto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/obligation"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/store/memory"
	"github.com/asyncgate/asyncgate/internal/task"
)

// clock is a manually advanced time source so the six scenarios in
// spec.md §8 can assert literal before/after relationships (ttl
// expiry, backoff windows) without sleeping in a test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFacade() (*Facade, *clock) {
	tasks := memory.NewTaskStore()
	leases := memory.NewLeaseStore(tasks)
	receipts := memory.NewReceiptStore()
	c := newClock()
	e := engine.New(tasks, leases, receipts, lease.Limits{MaxRenewals: 20, MaxLifetime: time.Hour}, c.Now)
	return New(e, obligation.New(receipts)), c
}

func owner() principal.Principal { return principal.Principal{Kind: principal.KindAgent, ID: "owner-1"} }
func worker(id string) principal.Principal {
	return principal.Principal{Kind: principal.KindWorker, ID: id}
}

// Scenario 1: happy path.
func TestScenario_HappyPath(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFacade()

	tsk, err := f.CreateTask(ctx, "tenant-a", task.Spec{
		Type:        "echo",
		Payload:     []byte(`{"msg":"hi"}`),
		MaxAttempts: 3,
		Requirements: task.Requirements{Capabilities: map[string]struct{}{"echo": {}}},
	}, owner(), "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	w1 := worker("w1")
	claimed, err := f.ClaimNext(ctx, "tenant-a", w1, lease.ClaimRequest{
		WorkerID: "w1", Capabilities: map[string]struct{}{"echo": {}}, MaxTasks: 1, TTL: time.Minute,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext: %v, %+v", err, claimed)
	}
	claim := claimed[0]
	if claim.Task.TaskID != tsk.TaskID {
		t.Fatalf("claimed wrong task")
	}

	body := map[string]any{"artifacts": []any{map[string]any{"type": "mem", "key": "k1"}}}
	_, err = f.Complete(ctx, "tenant-a", tsk.TaskID, claim.Lease.LeaseID, "w1", task.Result{Succeeded: true}, body)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	final, err := f.GetTask(ctx, "tenant-a", tsk.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}

	assigned, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeTaskAssigned)
	completed, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeTaskCompleted)
	if len(assigned) != 1 || len(completed) != 1 {
		t.Fatalf("expected one assigned and one completed receipt, got %d/%d", len(assigned), len(completed))
	}

	result, err := f.ListOpenObligations(ctx, "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("ListOpenObligations: %v", err)
	}
	if len(result.OpenObligations) != 0 {
		t.Fatalf("expected no open obligations, got %d", len(result.OpenObligations))
	}
}

// Scenario 2: worker crash — lease expires, sweep requeues without
// touching attempt, and task.assigned is still open.
func TestScenario_WorkerCrash(t *testing.T) {
	ctx := context.Background()
	f, c := newTestFacade()

	tsk, err := f.CreateTask(ctx, "tenant-a", task.Spec{Type: "echo", MaxAttempts: 3}, owner(), "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claimed, err := f.ClaimNext(ctx, "tenant-a", worker("w1"), lease.ClaimRequest{
		WorkerID: "w1", MaxTasks: 1, TTL: 5 * time.Second,
	})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext: %v", err)
	}

	c.Advance(6 * time.Second)
	n, err := f.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept lease, got %d", n)
	}

	final, err := f.GetTask(ctx, "tenant-a", tsk.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != task.StatusQueued {
		t.Fatalf("expected queued after sweep, got %s", final.Status)
	}
	if final.Attempt != 1 {
		t.Fatalf("expected attempt unchanged at 1, got %d", final.Attempt)
	}

	expired, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeLeaseExpired)
	if len(expired) != 1 {
		t.Fatalf("expected one lease.expired receipt, got %d", len(expired))
	}

	assigned, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeTaskAssigned)
	has, err := f.Engine.Receipts.HasTerminator(ctx, "tenant-a", assigned[0].ReceiptID)
	if err != nil {
		t.Fatalf("HasTerminator: %v", err)
	}
	if has {
		t.Fatalf("task.assigned should still be open after a crash, not a completion")
	}
}

// Scenario 3: retryable failure, then a second worker completes it.
func TestScenario_RetryableFailureThenSuccess(t *testing.T) {
	ctx := context.Background()
	f, c := newTestFacade()

	tsk, err := f.CreateTask(ctx, "tenant-a", task.Spec{Type: "echo", MaxAttempts: 2, RetryBackoff: time.Millisecond}, owner(), "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	claimed, err := f.ClaimNext(ctx, "tenant-a", worker("w1"), lease.ClaimRequest{WorkerID: "w1", MaxTasks: 1, TTL: time.Minute})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext (w1): %v", err)
	}
	afterFail, _, err := f.Fail(ctx, "tenant-a", tsk.TaskID, claimed[0].Lease.LeaseID, "w1", "transient error", true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if afterFail.Status != task.StatusQueued || afterFail.Attempt != 2 {
		t.Fatalf("expected queued/attempt=2 after retryable failure, got %s/%d", afterFail.Status, afterFail.Attempt)
	}

	// Pass the retry backoff window before the second claim.
	c.Advance(time.Second)

	claimed2, err := f.ClaimNext(ctx, "tenant-a", worker("w2"), lease.ClaimRequest{WorkerID: "w2", MaxTasks: 1, TTL: time.Minute})
	if err != nil || len(claimed2) != 1 {
		t.Fatalf("ClaimNext (w2): %v", err)
	}
	if _, err := f.Complete(ctx, "tenant-a", tsk.TaskID, claimed2[0].Lease.LeaseID, "w2",
		task.Result{Succeeded: true}, map[string]any{"artifacts": []any{map[string]any{"type": "mem", "key": "k2"}}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	final, err := f.GetTask(ctx, "tenant-a", tsk.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != task.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}
	completed, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeTaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected exactly one task.completed, got %d", len(completed))
	}
}

// Scenario 4: non-retryable terminal failure — retryable=false sends the
// task straight to failed even with attempts remaining (MaxAttempts=3).
func TestScenario_TerminalFailure(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFacade()

	tsk, err := f.CreateTask(ctx, "tenant-a", task.Spec{Type: "echo", MaxAttempts: 3}, owner(), "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claimed, err := f.ClaimNext(ctx, "tenant-a", worker("w1"), lease.ClaimRequest{WorkerID: "w1", MaxTasks: 1, TTL: time.Minute})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext: %v", err)
	}

	final, rec, err := f.Fail(ctx, "tenant-a", tsk.TaskID, claimed[0].Lease.LeaseID, "w1", "unrecoverable", false)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if final.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if rec == nil {
		t.Fatalf("expected a task.failed receipt")
	}
	if len(rec.Parents) == 0 {
		t.Fatalf("task.failed must carry a non-empty parents list (I5)")
	}

	result, err := f.ListOpenObligations(ctx, "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("ListOpenObligations: %v", err)
	}
	if len(result.OpenObligations) != 0 {
		t.Fatalf("expected obligation closed, got %d open", len(result.OpenObligations))
	}
}

// Scenario 5: success without locatability.
func TestScenario_SuccessWithoutLocatability(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFacade()

	tsk, err := f.CreateTask(ctx, "tenant-a", task.Spec{Type: "echo", MaxAttempts: 1}, owner(), "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claimed, err := f.ClaimNext(ctx, "tenant-a", worker("w1"), lease.ClaimRequest{WorkerID: "w1", MaxTasks: 1, TTL: time.Minute})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext: %v", err)
	}

	rec, err := f.Complete(ctx, "tenant-a", tsk.TaskID, claimed[0].Lease.LeaseID, "w1", task.Result{Succeeded: true}, map[string]any{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(rec.Parents) != 0 {
		t.Fatalf("task.completed without locatability must have empty parents, got %v", rec.Parents)
	}

	anomalies, _ := f.Engine.Receipts.ListByTaskAndType(ctx, "tenant-a", tsk.TaskID, receipt.TypeAnomalyLocatabilityMissing)
	if len(anomalies) != 1 {
		t.Fatalf("expected one locatability anomaly receipt, got %d", len(anomalies))
	}

	result, err := f.ListOpenObligations(ctx, "tenant-a", owner(), nil, 10)
	if err != nil {
		t.Fatalf("ListOpenObligations: %v", err)
	}
	found := false
	for _, o := range result.OpenObligations {
		if o.Receipt.Type == receipt.TypeTaskAssigned && o.Receipt.TaskID == tsk.TaskID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected task.assigned to still be open since task.completed carried no parents")
	}
}

// Scenario 6: concurrent claims across two workers never double-claim
// and never starve an eligible task.
func TestScenario_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFacade()

	for i := 0; i < 8; i++ {
		if _, err := f.CreateTask(ctx, "tenant-a", task.Spec{Type: "echo", MaxAttempts: 1}, owner(), ""); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIDs := make(map[string]int)

	for _, wid := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			claimed, err := f.ClaimNext(ctx, "tenant-a", worker(workerID), lease.ClaimRequest{
				WorkerID: workerID, MaxTasks: 5, TTL: time.Minute,
			})
			if err != nil {
				t.Errorf("ClaimNext(%s): %v", workerID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				claimedIDs[c.Task.TaskID]++
			}
		}(wid)
	}
	wg.Wait()

	if len(claimedIDs) != 8 {
		t.Fatalf("expected all 8 tasks claimed, got %d", len(claimedIDs))
	}
	for id, n := range claimedIDs {
		if n != 1 {
			t.Fatalf("task %s claimed %d times, want exactly 1", id, n)
		}
	}
}
