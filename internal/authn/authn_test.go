package authn

import (
	"context"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
)

func TestIssueAndAuthenticateRoundTrip(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	tm := NewTokenManager(keys, "asyncgate")
	p, _ := principal.New(principal.KindWorker, "w1")

	tok, err := tm.IssueToken(context.Background(), "tenant-a", p, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tenantID, got, err := tm.Authenticate(tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tenantID != "tenant-a" {
		t.Fatalf("expected tenant-a, got %s", tenantID)
	}
	if !got.Equal(p) {
		t.Fatalf("expected principal %v, got %v", p, got)
	}
}

func TestAuthenticate_RejectsExpiredToken(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	tm := NewTokenManager(keys, "asyncgate")
	p, _ := principal.New(principal.KindAgent, "a1")

	tok, err := tm.IssueToken(context.Background(), "tenant-a", p, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, _, err := tm.Authenticate(tok); err == nil {
		t.Fatal("expected an expired token to fail authentication")
	}
}

func TestAuthenticate_RejectsTamperedToken(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	tm := NewTokenManager(keys, "asyncgate")
	p, _ := principal.New(principal.KindAgent, "a1")

	tok, err := tm.IssueToken(context.Background(), "tenant-a", p, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, _, err := tm.Authenticate(tok + "x"); err == nil {
		t.Fatal("expected a tampered signature to fail authentication")
	}
}

func TestRotate_OldKeysStillVerify(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("NewInMemoryKeySet: %v", err)
	}
	tm := NewTokenManager(keys, "asyncgate")
	p, _ := principal.New(principal.KindAgent, "a1")

	tok, err := tm.IssueToken(context.Background(), "tenant-a", p, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, _, err := tm.Authenticate(tok); err != nil {
		t.Fatalf("expected a token signed before rotation to still verify, got %v", err)
	}
}

func TestCallerContext_RoundTrip(t *testing.T) {
	p, _ := principal.New(principal.KindWorker, "w1")
	ctx := WithCaller(context.Background(), "tenant-a", p)

	tenantID, ok := TenantFromContext(ctx)
	if !ok || tenantID != "tenant-a" {
		t.Fatalf("expected tenant-a in context, got %s ok=%v", tenantID, ok)
	}
	got, ok := CallerFromContext(ctx)
	if !ok || !got.Equal(p) {
		t.Fatalf("expected caller %v in context, got %v ok=%v", p, got, ok)
	}
}

func TestCallerContext_MissingReportsNotOK(t *testing.T) {
	if _, ok := TenantFromContext(context.Background()); ok {
		t.Fatal("expected no tenant in a bare context")
	}
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatal("expected no caller in a bare context")
	}
}
