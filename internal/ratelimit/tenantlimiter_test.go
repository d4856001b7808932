package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestTenantLimiter_AllowsWithinBucketThenRejects(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewTenantLimiter(mr.Addr(), 1, 2)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Allow (%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("expected request %d to be allowed within the bucket capacity", i)
		}
	}

	ok, err := l.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("expected the bucket to be exhausted")
	}
}

func TestTenantLimiter_TenantsHaveIndependentBuckets(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewTenantLimiter(mr.Addr(), 1, 1)
	defer l.Close()

	ctx := context.Background()
	if ok, err := l.Allow(ctx, "tenant-a"); err != nil || !ok {
		t.Fatalf("expected tenant-a first request to be allowed, ok=%v err=%v", ok, err)
	}
	if ok, err := l.Allow(ctx, "tenant-b"); err != nil || !ok {
		t.Fatalf("expected tenant-b to have its own independent bucket, ok=%v err=%v", ok, err)
	}
}
