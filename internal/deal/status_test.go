package deal

import (
	"fmt"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[string]bool{
		"draft->active":      true,
		"draft->terminated":  true,
		"active->paused":     true,
		"active->agreed":     true,
		"active->terminated": true,
		"paused->active":     true,
		"paused->terminated": true,
		"agreed->closed":     true,
		"agreed->terminated": true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			key := fmt.Sprintf("%s->%s", from, to)
			got := CanTransition(from, to)
			if got != allowed[key] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, allowed[key])
			}
		}
	}
}

func TestSelfTransitionsRejected(t *testing.T) {
	for _, s := range Statuses {
		if CanTransition(s, s) {
			t.Errorf("self transition %s -> %s should be rejected", s, s)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusClosed || s == StatusTerminated
		if s.Terminal() != want {
			t.Errorf("Terminal(%s) = %v, want %v", s, s.Terminal(), want)
		}
	}
	if len(AllowedNext(StatusClosed)) != 0 {
		t.Errorf("closed should have no outgoing transitions")
	}
	if len(AllowedNext(StatusTerminated)) != 0 {
		t.Errorf("terminated should have no outgoing transitions")
	}
}

func TestUnknownStatusFailsClosed(t *testing.T) {
	bogus := Status("archived")
	if bogus.Valid() {
		t.Fatalf("archived should not be a valid status")
	}
	if CanTransition(bogus, StatusActive) {
		t.Errorf("unknown current status must deny all transitions")
	}
	if CanTransition(StatusDraft, bogus) {
		t.Errorf("unknown requested status must be denied")
	}
	if len(AllowedNext(bogus)) != 0 {
		t.Errorf("unknown status should have empty allowed set")
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := EnsureTransition(StatusClosed, StatusActive)
	if err == nil {
		t.Fatal("expected error for closed -> active")
	}
	want := "Cannot transition from 'closed' to 'active'"
	if err.Error() != want {
		t.Errorf("error message %q, want %q", err.Error(), want)
	}
}

func TestEnsureTransitionAllowed(t *testing.T) {
	if err := EnsureTransition(StatusDraft, StatusActive); err != nil {
		t.Errorf("draft -> active should be allowed: %v", err)
	}
	if err := EnsureTransition(StatusAgreed, StatusClosed); err != nil {
		t.Errorf("agreed -> closed should be allowed: %v", err)
	}
}

func TestAllowedNextIsACopy(t *testing.T) {
	first := AllowedNext(StatusDraft)
	first[0] = StatusClosed
	second := AllowedNext(StatusDraft)
	if second[0] == StatusClosed {
		t.Errorf("AllowedNext must not expose the internal table")
	}
}
