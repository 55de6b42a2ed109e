package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"project-pulse/api/internal/models"
	"project-pulse/api/internal/repos"
	"project-pulse/shared/logx"
)

type fakeStore struct {
	appended []models.Event
	failAt   int
}

func (s *fakeStore) Append(ctx context.Context, event models.Event) (models.Event, error) {
	if s.failAt > 0 && len(s.appended)+1 == s.failAt {
		return models.Event{}, errors.New("append failed")
	}
	event.ID = uuid.New()
	event.Status = "pending"
	event.CreatedAt = time.Now().UTC()
	s.appended = append(s.appended, event)
	return event, nil
}

type fakeRegistry struct {
	types map[string]models.EventType
}

func (r *fakeRegistry) Get(ctx context.Context, typeCode string) (models.EventType, error) {
	et, ok := r.types[typeCode]
	if !ok {
		return models.EventType{}, repos.ErrNotFound
	}
	return et, nil
}

func newTestEmitter(store *fakeStore, registry *fakeRegistry) *Emitter {
	if registry == nil {
		registry = &fakeRegistry{}
	}
	return New(store, registry, nil, logx.New("emitter-test", "test", "", "error"))
}

func TestEmitFillsDefaultsFromRegistry(t *testing.T) {
	store := &fakeStore{}
	registry := &fakeRegistry{types: map[string]models.EventType{
		"deployment.failed": {
			TypeCode:        "deployment.failed",
			Category:        models.CategoryDeployment,
			DefaultSeverity: models.SeverityError,
			Active:          true,
		},
	}}
	e := newTestEmitter(store, registry)

	got, err := e.Emit(context.Background(), models.Event{
		ProjectID: "proj-1",
		EventType: "deployment.failed",
		Title:     "deploy of api failed",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got.Category != models.CategoryDeployment {
		t.Fatalf("category = %q, want %q", got.Category, models.CategoryDeployment)
	}
	if got.Severity != models.SeverityError {
		t.Fatalf("severity = %q, want %q", got.Severity, models.SeverityError)
	}
	if got.Source != models.SourceSystem {
		t.Fatalf("source = %q, want %q", got.Source, models.SourceSystem)
	}
	if got.OccurredAt.IsZero() {
		t.Fatal("occurred_at not defaulted")
	}
}

func TestEmitInfersCategoryForUnregisteredType(t *testing.T) {
	store := &fakeStore{}
	e := newTestEmitter(store, nil)

	got, err := e.Emit(context.Background(), models.Event{
		ProjectID: "proj-1",
		EventType: "issue.reopened",
		Title:     "issue reopened",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got.Category != models.CategoryIssue {
		t.Fatalf("category = %q, want %q", got.Category, models.CategoryIssue)
	}
	if got.Severity != models.SeverityInfo {
		t.Fatalf("severity = %q, want %q", got.Severity, models.SeverityInfo)
	}
}

func TestEmitValidation(t *testing.T) {
	cases := []struct {
		name  string
		event models.Event
	}{
		{"missing project", models.Event{EventType: "task.created", Title: "t"}},
		{"missing type", models.Event{ProjectID: "p", Title: "t"}},
		{"missing title", models.Event{ProjectID: "p", EventType: "task.created"}},
		{"unknown taxonomy", models.Event{ProjectID: "p", EventType: "banana.split", Title: "t"}},
		{"no dot in type", models.Event{ProjectID: "p", EventType: "task", Title: "t"}},
		{"bad severity", models.Event{ProjectID: "p", EventType: "task.created", Title: "t", Severity: "loud"}},
		{"bad source", models.Event{ProjectID: "p", EventType: "task.created", Title: "t", Source: "carrier-pigeon"}},
		{"bad json data", models.Event{ProjectID: "p", EventType: "task.created", Title: "t", Data: []byte("{")}},
		{"future occurred_at", models.Event{ProjectID: "p", EventType: "task.created", Title: "t", OccurredAt: time.Now().Add(time.Hour)}},
	}

	store := &fakeStore{}
	e := newTestEmitter(store, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Emit(context.Background(), tc.event)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(store.appended) != 0 {
		t.Fatalf("invalid events reached the store: %d", len(store.appended))
	}
}

func TestEmitBatchStopsAtFirstFailure(t *testing.T) {
	store := &fakeStore{failAt: 3}
	e := newTestEmitter(store, nil)

	batch := []models.Event{
		{ProjectID: "p", EventType: "task.created", Title: "one"},
		{ProjectID: "p", EventType: "task.created", Title: "two"},
		{ProjectID: "p", EventType: "task.created", Title: "three"},
		{ProjectID: "p", EventType: "task.created", Title: "four"},
	}
	appended, err := e.EmitBatch(context.Background(), batch)
	if err == nil {
		t.Fatal("expected error from mid-batch failure")
	}
	if len(appended) != 2 {
		t.Fatalf("appended = %d, want 2", len(appended))
	}
	if appended[1].Title != "two" {
		t.Fatalf("appended[1] = %q, want %q", appended[1].Title, "two")
	}
}

func TestTypedConstructors(t *testing.T) {
	store := &fakeStore{}
	e := newTestEmitter(store, nil)

	got, err := e.TaskRejected(context.Background(), "proj-1", "task-9", "schema migration", "reviewer-a", "missing rollback")
	if err != nil {
		t.Fatalf("TaskRejected: %v", err)
	}
	if got.EventType != "task.rejected" {
		t.Fatalf("event_type = %q", got.EventType)
	}
	if got.RelatedEntityType != "task" || got.RelatedEntityID != "task-9" {
		t.Fatalf("related entity = %q/%q", got.RelatedEntityType, got.RelatedEntityID)
	}
	if got.Actor != "reviewer-a" {
		t.Fatalf("actor = %q", got.Actor)
	}

	got, err = e.FeatureDeveloped(context.Background(), "proj-1", "feat-3", "sso login", "dev-b")
	if err != nil {
		t.Fatalf("FeatureDeveloped: %v", err)
	}
	if got.Category != models.CategoryTask {
		t.Fatalf("feature category = %q, want %q", got.Category, models.CategoryTask)
	}
}
