package tenant

import (
	"errors"
	"testing"

	"github.com/asyncgate/asyncgate/internal/engine"
)

func TestGuard(t *testing.T) {
	if err := Guard("tenant-a", "tenant-a"); err != nil {
		t.Fatalf("expected matching tenants to pass, got %v", err)
	}
	if err := Guard("tenant-a", "tenant-b"); !errors.Is(err, engine.ErrCrossTenant) {
		t.Fatalf("expected ErrCrossTenant for a mismatch, got %v", err)
	}
}
