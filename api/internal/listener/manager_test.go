package listener

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(store Store) *Manager {
	return NewManager(func(projectID string, pollInterval time.Duration) *Listener {
		return newTestListener(store, &countingEvaluator{}, Options{
			ProjectID:    projectID,
			PollInterval: pollInterval,
		})
	})
}

func TestManagerStartStop(t *testing.T) {
	m := newTestManager(newFakeStore())

	if got := m.Status().State; got != StateStopped {
		t.Fatalf("initial state = %q, want stopped", got)
	}
	if _, err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop before Start = %v, want ErrNotRunning", err)
	}

	status, err := m.Start("proj-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status.ProjectID != "proj-1" {
		t.Fatalf("project_id = %q", status.ProjectID)
	}

	if _, err := m.Start("proj-2", 10*time.Millisecond); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	status, err = m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status.State != StateStopped {
		t.Fatalf("state after stop = %q", status.State)
	}

	// A new project can start once the previous listener stopped.
	if _, err := m.Start("proj-2", 10*time.Millisecond); err != nil {
		t.Fatalf("restart with new project: %v", err)
	}
	m.StopIfRunning()
}
