package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(EventStatusPending, EventStatusProcessed) {
		t.Fatalf("expected pending -> processed to be allowed")
	}
	if !CanTransition(EventStatusProcessed, EventStatusArchived) {
		t.Fatalf("expected processed -> archived to be allowed")
	}
	if CanTransition(EventStatusPending, EventStatusArchived) {
		t.Fatalf("expected pending -> archived to be blocked")
	}
	if CanTransition(EventStatusArchived, EventStatusPending) {
		t.Fatalf("expected archived -> pending to be blocked")
	}
}

func TestCanTransitionSelfIsNoop(t *testing.T) {
	for _, status := range AllEventStatuses() {
		if !CanTransition(status, status) {
			t.Fatalf("expected %s -> %s to be allowed", status, status)
		}
	}
}

func TestNormalizeEventStatus(t *testing.T) {
	if got := NormalizeEventStatus("  Pending "); got != EventStatusPending {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
