package task

import "testing"

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusLeased} {
		if s.Terminal() {
			t.Fatalf("expected %s to not be terminal", s)
		}
	}
}

func TestCanTransition_TableRows(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusLeased, true},
		{StatusLeased, StatusSucceeded, true},
		{StatusLeased, StatusFailed, true},
		{StatusLeased, StatusQueued, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusSucceeded, StatusQueued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_CancelFromAnyNonTerminalState(t *testing.T) {
	if !CanTransition(StatusQueued, StatusCanceled) {
		t.Fatal("expected queued -> canceled to be allowed")
	}
	if !CanTransition(StatusLeased, StatusCanceled) {
		t.Fatal("expected leased -> canceled to be allowed")
	}
}

func TestCanTransition_TerminalIsASink(t *testing.T) {
	for _, term := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if CanTransition(term, StatusQueued) {
			t.Fatalf("expected no transition out of terminal state %s", term)
		}
		if CanTransition(term, StatusCanceled) {
			t.Fatalf("expected terminal state %s to reject even a cancel", term)
		}
	}
}

func TestRequirements_SatisfiedBy(t *testing.T) {
	r := Requirements{Capabilities: map[string]struct{}{"gpu": {}, "fast": {}}}
	if r.SatisfiedBy(map[string]struct{}{"gpu": {}}) {
		t.Fatal("expected partial capability offer to not satisfy requirements")
	}
	if !r.SatisfiedBy(map[string]struct{}{"gpu": {}, "fast": {}, "extra": {}}) {
		t.Fatal("expected superset offer to satisfy requirements")
	}
	if !(Requirements{}).SatisfiedBy(nil) {
		t.Fatal("expected no requirements to always be satisfied")
	}
}
