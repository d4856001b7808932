package observability

import (
	"context"
	"testing"
	"time"
)

func TestNew_DisabledIsNoOpAndSafe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	p.RecordClaimLatency(ctx, time.Second)
	p.RecordLeaseExpiry(ctx, 1)
	p.SetObligationBacklog(ctx, 1)

	if p.Tracer() == nil {
		t.Fatal("expected Tracer() to always return a usable tracer")
	}

	spanCtx, span := p.StartSpan(ctx, "test-span")
	if spanCtx == nil || span == nil {
		t.Fatal("expected StartSpan to return a usable span even when disabled")
	}
	span.End()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Fatal("expected observability disabled by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected default sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.config.ServiceName != "asyncgate" {
		t.Fatalf("expected default service name, got %s", p.config.ServiceName)
	}
}
