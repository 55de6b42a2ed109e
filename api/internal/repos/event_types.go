package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"project-pulse/api/internal/models"
)

type EventTypesRepo struct {
	db DBTX
}

func NewEventTypesRepo(db DBTX) *EventTypesRepo {
	return &EventTypesRepo{db: db}
}

// seedEventTypes is the bootstrap registry. Existing rows are never
// overwritten, so operators can tune severities in place.
var seedEventTypes = []models.EventType{
	{TypeCode: "task.created", Category: models.CategoryTask, DisplayName: "Task created", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "task.completed", Category: models.CategoryTask, DisplayName: "Task completed", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "task.approved", Category: models.CategoryTask, DisplayName: "Task approved", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "task.rejected", Category: models.CategoryTask, DisplayName: "Task rejected", DefaultSeverity: models.SeverityWarning},
	{TypeCode: "feature.developed", Category: models.CategoryTask, DisplayName: "Feature developed", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "integration.verification_needed", Category: models.CategoryTask, DisplayName: "Integration verification needed", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "issue.discovered", Category: models.CategoryIssue, DisplayName: "Issue discovered", DefaultSeverity: models.SeverityWarning},
	{TypeCode: "issue.resolved", Category: models.CategoryIssue, DisplayName: "Issue resolved", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "decision.made", Category: models.CategoryDecision, DisplayName: "Decision made", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "deployment.succeeded", Category: models.CategoryDeployment, DisplayName: "Deployment succeeded", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "deployment.failed", Category: models.CategoryDeployment, DisplayName: "Deployment failed", DefaultSeverity: models.SeverityError},
	{TypeCode: "system.listener_started", Category: models.CategorySystem, DisplayName: "Listener started", DefaultSeverity: models.SeverityInfo},
	{TypeCode: "system.listener_stopped", Category: models.CategorySystem, DisplayName: "Listener stopped", DefaultSeverity: models.SeverityInfo},
}

func (r *EventTypesRepo) Seed(ctx context.Context) error {
	for _, et := range seedEventTypes {
		_, err := r.db.Exec(ctx, `
			INSERT INTO event_types (type_code, category, display_name, description, default_severity, active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (type_code) DO NOTHING
		`, et.TypeCode, et.Category, et.DisplayName, et.Description, et.DefaultSeverity)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *EventTypesRepo) List(ctx context.Context) ([]models.EventType, error) {
	rows, err := r.db.Query(ctx, `
		SELECT type_code, category, display_name, description, default_severity, active
		FROM event_types
		ORDER BY type_code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []models.EventType
	for rows.Next() {
		var et models.EventType
		if err := rows.Scan(&et.TypeCode, &et.Category, &et.DisplayName, &et.Description, &et.DefaultSeverity, &et.Active); err != nil {
			return nil, err
		}
		types = append(types, et)
	}
	return types, rows.Err()
}

func (r *EventTypesRepo) Get(ctx context.Context, typeCode string) (models.EventType, error) {
	var et models.EventType
	err := r.db.QueryRow(ctx, `
		SELECT type_code, category, display_name, description, default_severity, active
		FROM event_types
		WHERE type_code = $1
	`, typeCode).Scan(&et.TypeCode, &et.Category, &et.DisplayName, &et.Description, &et.DefaultSeverity, &et.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EventType{}, ErrNotFound
		}
		return models.EventType{}, err
	}
	return et, nil
}
