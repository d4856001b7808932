package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/internal/authn"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/obligation"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/store/memory"
)

type testServer struct {
	*httptest.Server
	tokens *authn.TokenManager
}

func newTestServer(t *testing.T) *testServer {
	tasks := memory.NewTaskStore()
	leases := memory.NewLeaseStore(tasks)
	receipts := memory.NewReceiptStore()
	eng := engine.New(tasks, leases, receipts, lease.Limits{MaxRenewals: 10, MaxLifetime: time.Hour}, nil)

	keys, err := authn.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	tokens := authn.NewTokenManager(keys, "asyncgate")

	srv := &Server{
		Engine:      eng,
		Obligations: obligation.New(receipts),
		Tokens:      tokens,
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &testServer{Server: httpSrv, tokens: tokens}
}

func (ts *testServer) token(t *testing.T, tenantID string, p principal.Principal) string {
	tok, err := ts.tokens.IssueToken(context.Background(), tenantID, p, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestServer_UnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/tasks", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestServer_HealthzIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_FullTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := principal.New(principal.KindAgent, "owner-1")
	worker, _ := principal.New(principal.KindWorker, "worker-1")
	ownerTok := ts.token(t, "tenant-a", owner)
	workerTok := ts.token(t, "tenant-a", worker)

	resp := ts.do(t, http.MethodPost, "/v1/tasks", ownerTok, map[string]any{
		"type":     "echo",
		"priority": 1,
	})
	var created map[string]any
	decodeBody(t, resp, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating task, got %d body=%v", resp.StatusCode, created)
	}
	taskID, _ := created["task_id"].(string)
	if taskID == "" {
		t.Fatalf("expected a task_id in the response, got %v", created)
	}

	resp = ts.do(t, http.MethodPost, "/v1/leases:claim", workerTok, map[string]any{
		"max_tasks": 1,
		"ttl_ms":    60000,
	})
	var claimResp map[string]any
	decodeBody(t, resp, &claimResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 claiming, got %d body=%v", resp.StatusCode, claimResp)
	}
	claims, _ := claimResp["claimed"].([]any)
	if len(claims) != 1 {
		t.Fatalf("expected 1 claimed task, got %v", claimResp)
	}
	claim := claims[0].(map[string]any)
	leaseObj := claim["Lease"].(map[string]any)
	leaseID, _ := leaseObj["lease_id"].(string)
	if leaseID == "" {
		t.Fatalf("expected a lease_id in the claim, got %v", claim)
	}

	resp = ts.do(t, http.MethodGet, "/v1/obligations/open", ownerTok, nil)
	var open map[string]any
	decodeBody(t, resp, &open)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing obligations, got %d", resp.StatusCode)
	}
	obligations, _ := open["open_obligations"].([]any)
	if len(obligations) != 1 {
		t.Fatalf("expected 1 open obligation for the owner, got %v", open)
	}
	if _, ok := open["open_obligations"]; !ok {
		t.Fatal("expected the unbucketed open_obligations key")
	}

	resp = ts.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/complete", workerTok, map[string]any{
		"lease_id": leaseID,
		"body":     map[string]any{"delivery_proof": map[string]any{"ref": "done"}},
	})
	var completed map[string]any
	decodeBody(t, resp, &completed)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 completing task, got %d body=%v", resp.StatusCode, completed)
	}

	resp = ts.do(t, http.MethodGet, "/v1/obligations/open", ownerTok, nil)
	decodeBody(t, resp, &open)
	obligations, _ = open["open_obligations"].([]any)
	if len(obligations) != 0 {
		t.Fatalf("expected the obligation to close on completion, got %v", open)
	}
}

func TestServer_CrossTenantHeaderRejected(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := principal.New(principal.KindAgent, "owner-1")
	tok := ts.token(t, "tenant-a", owner)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/tasks", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Tenant-ID", "tenant-b")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a mismatched X-Tenant-ID, got %d", resp.StatusCode)
	}
}

func TestServer_OnlyWorkerMayClaim(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := principal.New(principal.KindAgent, "owner-1")
	tok := ts.token(t, "tenant-a", owner)

	resp := ts.do(t, http.MethodPost, "/v1/leases:claim", tok, map[string]any{"max_tasks": 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 when an agent principal tries to claim, got %d", resp.StatusCode)
	}
}
