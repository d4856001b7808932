package retrypolicy

import (
	"testing"
	"time"
)

func TestCompute_CapsAtMaxBackoff(t *testing.T) {
	d := Compute(time.Second, 40, time.Minute)
	if d > time.Minute+time.Minute/10 {
		t.Fatalf("expected delay capped near maxBackoff plus jitter, got %s", d)
	}
}

func TestCompute_GrowsWithAttempt(t *testing.T) {
	d1 := Compute(time.Second, 1, time.Hour)
	d5 := Compute(time.Second, 5, time.Hour)
	// Jitter makes exact comparison unsafe, but the base exponential
	// growth should dwarf the 10% jitter by attempt 5.
	if d5 <= d1 {
		t.Fatalf("expected later attempts to back off further: attempt1=%s attempt5=%s", d1, d5)
	}
}

func TestCompute_DefaultsBaseWhenZero(t *testing.T) {
	d := Compute(0, 1, time.Hour)
	if d <= 0 {
		t.Fatalf("expected a positive default delay, got %s", d)
	}
}

func TestSmallJitter_BoundedAndNonNegative(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := SmallJitter(time.Second)
		if d < 0 || d >= time.Second {
			t.Fatalf("jitter out of bounds: %s", d)
		}
	}
	if SmallJitter(0) != 0 {
		t.Fatal("expected zero jitter when max is zero")
	}
}
