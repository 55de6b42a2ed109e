package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"project-pulse/api/internal/models"
	"project-pulse/api/internal/repos"
	"project-pulse/shared/cachex"
	"project-pulse/shared/events"
	"project-pulse/shared/logx"
	"project-pulse/shared/metricsx"
	"project-pulse/shared/mqx"
)

// ErrValidation marks a malformed event. Handlers translate it to 422;
// it is never retried.
var ErrValidation = errors.New("validation failed")

const registryCacheTTL = 5 * time.Minute

type Store interface {
	Append(ctx context.Context, event models.Event) (models.Event, error)
}

type Registry interface {
	Get(ctx context.Context, typeCode string) (models.EventType, error)
}

// Emitter validates events and fills taxonomy defaults from the event-type
// registry before appending. Producers never need to know category or
// severity conventions.
type Emitter struct {
	store    Store
	registry Registry
	cache    *cachex.Client
	producer *mqx.Producer
	topic    string
	logger   logx.Logger
}

func New(store Store, registry Registry, cache *cachex.Client, logger logx.Logger) *Emitter {
	return &Emitter{
		store:    store,
		registry: registry,
		cache:    cache,
		topic:    events.TopicActivityEvents,
		logger:   logger,
	}
}

// WithMirror attaches a Kafka producer; every successful append is then
// mirrored best-effort onto the given topic. Publish failures are logged
// and do not fail the append.
func (e *Emitter) WithMirror(producer *mqx.Producer, topic string) *Emitter {
	e.producer = producer
	if strings.TrimSpace(topic) != "" {
		e.topic = topic
	}
	return e
}

func (e *Emitter) Emit(ctx context.Context, event models.Event) (models.Event, error) {
	if err := e.prepare(ctx, &event); err != nil {
		metricsx.IncEventRejected()
		return models.Event{}, err
	}

	stored, err := e.store.Append(ctx, event)
	if err != nil {
		return models.Event{}, err
	}
	metricsx.IncEventAppended(stored.Category)
	e.mirror(ctx, stored)
	return stored, nil
}

// EmitBatch appends each event independently; it is not a transaction. A
// mid-batch failure leaves prior events durably written, so the appended
// prefix is returned alongside the error.
func (e *Emitter) EmitBatch(ctx context.Context, batch []models.Event) ([]models.Event, error) {
	appended := make([]models.Event, 0, len(batch))
	for i, event := range batch {
		stored, err := e.Emit(ctx, event)
		if err != nil {
			return appended, fmt.Errorf("event %d: %w", i, err)
		}
		appended = append(appended, stored)
	}
	return appended, nil
}

func (e *Emitter) prepare(ctx context.Context, event *models.Event) error {
	event.ProjectID = strings.TrimSpace(event.ProjectID)
	event.EventType = strings.TrimSpace(event.EventType)
	event.Title = strings.TrimSpace(event.Title)

	if event.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	if event.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if event.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(event.Data) > 0 && !json.Valid(event.Data) {
		return fmt.Errorf("%w: data must be valid JSON", ErrValidation)
	}

	registered, known := e.lookupType(ctx, event.EventType)

	if event.Category == "" {
		if known {
			event.Category = registered.Category
		} else {
			category, ok := inferCategory(event.EventType)
			if !ok {
				return fmt.Errorf("%w: unknown event_type %q", ErrValidation, event.EventType)
			}
			event.Category = category
		}
	}
	if !models.ValidCategory(event.Category) {
		return fmt.Errorf("%w: invalid category %q", ErrValidation, event.Category)
	}

	if event.Source == "" {
		event.Source = models.SourceSystem
	}
	if !models.ValidSource(event.Source) {
		return fmt.Errorf("%w: invalid source %q", ErrValidation, event.Source)
	}

	if event.Severity == "" {
		if known {
			event.Severity = registered.DefaultSeverity
		} else {
			event.Severity = models.SeverityInfo
		}
	}
	if !models.ValidSeverity(event.Severity) {
		return fmt.Errorf("%w: invalid severity %q", ErrValidation, event.Severity)
	}

	now := time.Now().UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	if event.OccurredAt.After(now) {
		return fmt.Errorf("%w: occurred_at must not be in the future", ErrValidation)
	}

	return nil
}

// lookupType consults the Redis cache first; misses fall through to the
// registry table. Registry reads are frequent (every append) and the rows
// are near-static, so a short TTL is safe.
func (e *Emitter) lookupType(ctx context.Context, typeCode string) (models.EventType, bool) {
	cacheKey := "pulse:event_type:" + typeCode
	var cached models.EventType
	if hit, err := e.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit && cached.TypeCode != "" {
		return cached, cached.Active
	}

	registered, err := e.registry.Get(ctx, typeCode)
	if err != nil {
		if !errors.Is(err, repos.ErrNotFound) {
			e.logger.Warn(ctx, "event_type_lookup_failed", "event type lookup failed",
				slog.String("event_type", typeCode),
				slog.String("error", err.Error()),
			)
		}
		return models.EventType{}, false
	}
	if err := e.cache.SetJSON(ctx, cacheKey, registered, registryCacheTTL); err != nil {
		e.logger.Debug(ctx, "event_type_cache_failed", "event type cache write failed",
			slog.String("error", err.Error()),
		)
	}
	return registered, registered.Active
}

// inferCategory maps the first dotted segment onto the category taxonomy.
// Unknown segments are rejected rather than bucketed, so typos in
// producer code surface immediately.
func inferCategory(eventType string) (string, bool) {
	segment, _, found := strings.Cut(eventType, ".")
	if !found || segment == "" {
		return "", false
	}
	switch segment {
	case models.CategoryTask, models.CategoryIssue, models.CategoryDecision,
		models.CategoryDeployment, models.CategorySystem:
		return segment, true
	case "feature", "integration":
		return models.CategoryTask, true
	case models.CategoryGeneral:
		return models.CategoryGeneral, true
	}
	return "", false
}

func (e *Emitter) mirror(ctx context.Context, event models.Event) {
	if e.producer == nil {
		return
	}
	payload, err := json.Marshal(events.Envelope{
		EventID:    event.ID.String(),
		ProjectID:  event.ProjectID,
		EventType:  event.EventType,
		Category:   event.Category,
		Source:     event.Source,
		Severity:   event.Severity,
		Title:      event.Title,
		OccurredAt: event.OccurredAt,
		Data:       event.Data,
	})
	if err != nil {
		return
	}
	headers := map[string]string{
		"event_id":   event.ID.String(),
		"project_id": event.ProjectID,
		"event_type": event.EventType,
	}
	if err := e.producer.Publish(ctx, e.topic, []byte(event.ProjectID), payload, headers); err != nil {
		e.logger.Warn(ctx, "event_mirror_failed", "kafka mirror publish failed",
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
