package listener

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"project-pulse/api/internal/models"
	"project-pulse/api/internal/rules"
	"project-pulse/shared/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	events    []models.Event
	processed map[uuid.UUID]bool
	listErr   error
	markErrs  int
	markCalls int
}

func newFakeStore(events ...models.Event) *fakeStore {
	return &fakeStore{events: events, processed: make(map[uuid.UUID]bool)}
}

func (s *fakeStore) ListAfter(ctx context.Context, projectID string, occurredAt time.Time, afterID uuid.UUID, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Event
	for _, ev := range s.events {
		if ev.ProjectID != projectID || s.processed[ev.ID] {
			continue
		}
		after := ev.OccurredAt.After(occurredAt) ||
			(ev.OccurredAt.Equal(occurredAt) && bytes.Compare(ev.ID[:], afterID[:]) > 0)
		if !after {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if s.markErrs > 0 {
		s.markErrs--
		return errors.New("mark failed")
	}
	for _, id := range ids {
		s.processed[id] = true
	}
	return nil
}

type countingEvaluator struct {
	mu   sync.Mutex
	seen []uuid.UUID
}

func (e *countingEvaluator) Evaluate(ctx context.Context, event models.Event) []rules.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, event.ID)
	return []rules.Result{{RuleID: "task_completed_review", Matched: true}}
}

func (e *countingEvaluator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func pendingEvent(projectID string, offset time.Duration) models.Event {
	return models.Event{
		ID:         uuid.New(),
		ProjectID:  projectID,
		EventType:  "task.created",
		Title:      "t",
		Status:     "pending",
		OccurredAt: time.Now().UTC().Add(offset),
	}
}

func newTestListener(store Store, eval Evaluator, opts Options) *Listener {
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return New(store, eval, nil, nil, nil, logx.New("listener-test", "test", "", "error"), opts)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestProcessesPendingEventsInOrder(t *testing.T) {
	first := pendingEvent("proj-1", -3*time.Minute)
	second := pendingEvent("proj-1", -2*time.Minute)
	third := pendingEvent("proj-1", -1*time.Minute)
	store := newFakeStore(first, second, third)
	eval := &countingEvaluator{}
	l := newTestListener(store, eval, Options{})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return eval.count() >= 3 })

	eval.mu.Lock()
	order := append([]uuid.UUID(nil), eval.seen[:3]...)
	eval.mu.Unlock()
	if order[0] != first.ID || order[1] != second.ID || order[2] != third.ID {
		t.Fatalf("evaluation order wrong: %v", order)
	}

	waitFor(t, 2*time.Second, func() bool {
		status := l.Status()
		return status.EventsProcessed == 3 && status.CursorID == third.ID.String()
	})
}

func TestStartStopStateMachine(t *testing.T) {
	store := newFakeStore()
	l := newTestListener(store, &countingEvaluator{}, Options{})

	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop on stopped = %v, want ErrNotRunning", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return l.Status().State == StateRunning })

	if err := l.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if state := l.Status().State; state != StateStopped {
		t.Fatalf("state = %q, want stopped", state)
	}
	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop = %v, want ErrNotRunning", err)
	}
}

func TestStopDuringStartupLeavesStopped(t *testing.T) {
	store := newFakeStore()
	l := newTestListener(store, &countingEvaluator{}, Options{})

	// Stop racing the startup goroutine must still land on stopped, and
	// a later Start must be accepted.
	for i := 0; i < 20; i++ {
		if err := l.Start(); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if err := l.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
		if state := l.Status().State; state != StateStopped {
			t.Fatalf("state after Stop #%d = %q, want stopped", i, state)
		}
	}
}

func TestStatusCountsErrorsCumulatively(t *testing.T) {
	store := newFakeStore(pendingEvent("proj-1", -time.Minute))
	store.listErr = errors.New("db down")
	l := newTestListener(store, &countingEvaluator{}, Options{
		PollInterval:   5 * time.Millisecond,
		CrashThreshold: 1000,
	})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return l.Status().TotalErrors >= 2 })

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		s := l.Status()
		return s.ConsecutiveFailures == 0 && s.EventsProcessed >= 1
	})

	status := l.Status()
	if status.TotalErrors < 2 {
		t.Fatalf("total_errors = %d after recovery, want the failed cycles kept", status.TotalErrors)
	}
	if status.CyclesTotal <= status.TotalErrors {
		t.Fatalf("cycles_total = %d does not count failed cycles (total_errors %d)",
			status.CyclesTotal, status.TotalErrors)
	}
}

func TestCrashesAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	l := newTestListener(store, &countingEvaluator{}, Options{
		PollInterval:   5 * time.Millisecond,
		CrashThreshold: 3,
	})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return l.Status().State == StateCrashed })

	status := l.Status()
	if status.ConsecutiveFailures < 3 {
		t.Fatalf("consecutive_failures = %d, want >= 3", status.ConsecutiveFailures)
	}
	if status.LastError == "" {
		t.Fatal("last_error empty after crash")
	}
	if err := l.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop on crashed = %v, want ErrNotRunning", err)
	}

	// A crashed listener can be restarted once the fault is cleared.
	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	if err := l.Start(); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	waitFor(t, time.Second, func() bool { return l.Status().State == StateRunning })
	if failures := l.Status().ConsecutiveFailures; failures != 0 {
		t.Fatalf("failures not reset on restart: %d", failures)
	}
	l.Stop()
}

func TestMarkFailureRedeliversBatch(t *testing.T) {
	event := pendingEvent("proj-1", -time.Minute)
	store := newFakeStore(event)
	store.markErrs = 1
	eval := &countingEvaluator{}
	l := newTestListener(store, eval, Options{PollInterval: 5 * time.Millisecond})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	// The first cycle evaluates then fails to mark; the cursor must not
	// advance, so the next cycle delivers the same event again.
	waitFor(t, 2*time.Second, func() bool { return eval.count() >= 2 })

	eval.mu.Lock()
	redelivered := eval.seen[0] == event.ID && eval.seen[1] == event.ID
	eval.mu.Unlock()
	if !redelivered {
		t.Fatal("expected the same event to be redelivered after mark failure")
	}

	waitFor(t, 2*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.processed[event.ID]
	})
}

func TestIgnoresOtherProjects(t *testing.T) {
	mine := pendingEvent("proj-1", -time.Minute)
	other := pendingEvent("proj-2", -time.Minute)
	store := newFakeStore(mine, other)
	eval := &countingEvaluator{}
	l := newTestListener(store, eval, Options{})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return eval.count() >= 1 })
	time.Sleep(30 * time.Millisecond)

	eval.mu.Lock()
	defer eval.mu.Unlock()
	for _, id := range eval.seen {
		if id == other.ID {
			t.Fatal("evaluated an event from another project")
		}
	}
}
