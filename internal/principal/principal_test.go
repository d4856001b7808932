package principal

import "testing"

func TestNew_ValidatesKindAndID(t *testing.T) {
	if _, err := New(KindAgent, ""); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := New(Kind("bogus"), "x"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	p, err := New(KindWorker, "w1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Kind != KindWorker || p.ID != "w1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestEqual(t *testing.T) {
	a, _ := New(KindAgent, "a1")
	b, _ := New(KindAgent, "a1")
	c, _ := New(KindWorker, "a1")
	if !a.Equal(b) {
		t.Fatal("expected same kind+id to be equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different kind to be unequal even with the same id")
	}
}

func TestString(t *testing.T) {
	p, _ := New(KindWorker, "w1")
	if p.String() != "worker:w1" {
		t.Fatalf("unexpected String(): %s", p.String())
	}
}

func TestIsZero(t *testing.T) {
	if !(Principal{}).IsZero() {
		t.Fatal("expected zero value to report IsZero")
	}
	p, _ := New(KindAgent, "a1")
	if p.IsZero() {
		t.Fatal("expected constructed principal to not be zero")
	}
}

func TestSystem(t *testing.T) {
	if System.Kind != KindSystem {
		t.Fatalf("expected System to carry KindSystem, got %s", System.Kind)
	}
}
