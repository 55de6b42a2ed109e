package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"project-pulse/api/internal/models"
	"project-pulse/shared/workflow"
)

const eventColumns = `id, project_id, event_type, event_category, source, actor, title, description, data,
	related_entity_type, related_entity_id, severity, status, tags, occurred_at, created_at`

// EventsRepo is the durable event log. Concurrent appends rely on
// Postgres transactional isolation; the repo itself holds no state.
// It runs against any DBTX, so callers may scope it to a transaction.
type EventsRepo struct {
	db DBTX
}

func NewEventsRepo(db DBTX) *EventsRepo {
	return &EventsRepo{db: db}
}

// Append stores an event, assigning id and created_at. The caller (the
// emitter) has already validated the event shape; write failures propagate
// unretried.
func (r *EventsRepo) Append(ctx context.Context, event models.Event) (models.Event, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now().UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = event.CreatedAt
	}
	if event.Status == "" {
		event.Status = workflow.EventStatusPending
	}

	tags, err := json.Marshal(event.Tags)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal tags: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO events (
			id, project_id, event_type, event_category, source, actor, title, description, data,
			related_entity_type, related_entity_id, severity, status, tags, occurred_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING `+eventColumns+`
	`, event.ID, event.ProjectID, event.EventType, event.Category, event.Source, event.Actor,
		event.Title, event.Description, string(event.Data), event.RelatedEntityType, event.RelatedEntityID,
		event.Severity, event.Status, string(tags), event.OccurredAt, event.CreatedAt).
		Scan(scanTargets(&event)...)
	if err != nil {
		return models.Event{}, err
	}
	return event, nil
}

// Query returns events for one project, newest first, ties broken by id
// descending so pagination is stable. The limit cap is enforced by the
// caller (handlers know the configured maximum).
func (r *EventsRepo) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	if filter.ProjectID == "" {
		return nil, errors.New("project_id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE project_id = $1`)
	args := []any{filter.ProjectID}

	addFilter := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		fmt.Fprintf(&sb, " AND %s = $%d", column, len(args))
	}
	addFilter("event_type", filter.EventType)
	addFilter("event_category", filter.Category)
	addFilter("severity", filter.Severity)
	addFilter("actor", filter.Actor)
	addFilter("related_entity_type", filter.RelatedEntityType)
	addFilter("related_entity_id", filter.RelatedEntityID)
	addFilter("status", workflow.NormalizeEventStatus(filter.Status))

	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		fmt.Fprintf(&sb, " AND occurred_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		fmt.Fprintf(&sb, " AND occurred_at <= $%d", len(args))
	}

	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *EventsRepo) GetByID(ctx context.Context, id uuid.UUID) (models.Event, error) {
	var event models.Event
	err := r.db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = $1
	`, id).Scan(scanTargets(&event)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, ErrNotFound
		}
		return models.Event{}, err
	}
	return event, nil
}

// ListAfter returns pending events strictly after the (occurredAt, afterID)
// cursor, ascending. Row-wise comparison gives the id tie-break that
// timestamps alone cannot; filtering on pending keeps a cold-started
// listener from replaying events an earlier run already processed.
func (r *EventsRepo) ListAfter(ctx context.Context, projectID string, occurredAt time.Time, afterID uuid.UUID, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE project_id = $1
		  AND status = $2
		  AND (occurred_at, id) > ($3, $4)
		ORDER BY occurred_at ASC, id ASC
		LIMIT $5
	`, projectID, workflow.EventStatusPending, occurredAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkProcessed transitions a cycle's batch from pending to processed.
// Called only after every event in the batch has been evaluated.
func (r *EventsRepo) MarkProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := checkTransition(workflow.EventStatusPending, workflow.EventStatusProcessed); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		UPDATE events SET status = $2 WHERE id = ANY($1) AND status = $3
	`, ids, workflow.EventStatusProcessed, workflow.EventStatusPending)
	return err
}

// checkTransition keeps every bulk status update honest against the
// lifecycle table.
func checkTransition(fromStatus, toStatus string) error {
	if !workflow.CanTransition(fromStatus, toStatus) {
		return fmt.Errorf("invalid status transition %s -> %s", fromStatus, toStatus)
	}
	return nil
}

// ArchiveProcessedBefore moves processed events older than cutoff to
// archived, at most limit per call. Returns the number archived.
func (r *EventsRepo) ArchiveProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	if err := checkTransition(workflow.EventStatusProcessed, workflow.EventStatusArchived); err != nil {
		return 0, err
	}
	tag, err := r.db.Exec(ctx, `
		WITH candidates AS (
			SELECT id FROM events
			WHERE status = $1 AND occurred_at < $2
			ORDER BY occurred_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE events e
		SET status = $4
		FROM candidates c
		WHERE e.id = c.id
	`, workflow.EventStatusProcessed, cutoff, limit, workflow.EventStatusArchived)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats recomputes per-project aggregates on every call. Event volume is
// low; recomputation keeps the numbers exact without cache invalidation.
func (r *EventsRepo) Stats(ctx context.Context, projectID string) (models.EventStats, error) {
	stats := models.EventStats{
		ByCategory: map[string]int64{},
		BySeverity: map[string]int64{},
	}

	rows, err := r.db.Query(ctx, `
		SELECT event_category, COUNT(*) FROM events
		WHERE project_id = $1
		GROUP BY event_category
	`, projectID)
	if err != nil {
		return models.EventStats{}, err
	}
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			rows.Close()
			return models.EventStats{}, err
		}
		stats.ByCategory[category] = count
		stats.TotalEvents += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.EventStats{}, err
	}

	rows, err = r.db.Query(ctx, `
		SELECT severity, COUNT(*) FROM events
		WHERE project_id = $1
		GROUP BY severity
	`, projectID)
	if err != nil {
		return models.EventStats{}, err
	}
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			rows.Close()
			return models.EventStats{}, err
		}
		stats.BySeverity[severity] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.EventStats{}, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE occurred_at >= date_trunc('day', now())),
			COUNT(*) FILTER (WHERE occurred_at >= date_trunc('week', now())),
			COUNT(*) FILTER (WHERE occurred_at >= date_trunc('month', now()))
		FROM events
		WHERE project_id = $1
	`, projectID).Scan(&stats.Today, &stats.ThisWeek, &stats.ThisMonth)
	if err != nil {
		return models.EventStats{}, err
	}

	return stats, nil
}

// SearchSimilar finds prior events in the same project sharing the event
// type or related entity, excluding the event itself. Used by the
// issue-discovered rule to attach references to lookalike issues.
func (r *EventsRepo) SearchSimilar(ctx context.Context, event models.Event, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE project_id = $1
		  AND id <> $2
		  AND (event_type = $3
			OR (related_entity_type <> '' AND related_entity_type = $4 AND related_entity_id = $5))
		ORDER BY occurred_at DESC, id DESC
		LIMIT $6
	`, event.ProjectID, event.ID, event.EventType, event.RelatedEntityType, event.RelatedEntityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(scanTargets(&event)...); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// scanTargets keeps the column order in one place. data and tags are TEXT
// columns holding JSON; tags unmarshal lazily via tagsScanner.
func scanTargets(event *models.Event) []any {
	return []any{
		&event.ID, &event.ProjectID, &event.EventType, &event.Category, &event.Source,
		&event.Actor, &event.Title, &event.Description, (*rawScanner)(&event.Data),
		&event.RelatedEntityType, &event.RelatedEntityID, &event.Severity, &event.Status,
		&tagsScanner{dst: &event.Tags}, &event.OccurredAt, &event.CreatedAt,
	}
}

type rawScanner json.RawMessage

func (s *rawScanner) ScanText(v pgtype.Text) error {
	if !v.Valid || v.String == "" {
		*s = nil
		return nil
	}
	*s = rawScanner(v.String)
	return nil
}

type tagsScanner struct {
	dst *[]string
}

func (s *tagsScanner) ScanText(v pgtype.Text) error {
	if !v.Valid || v.String == "" || v.String == "[]" || v.String == "null" {
		*s.dst = nil
		return nil
	}
	return json.Unmarshal([]byte(v.String), s.dst)
}
