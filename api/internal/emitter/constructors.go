package emitter

import (
	"context"
	"encoding/json"

	"project-pulse/api/internal/models"
)

// Typed constructors for the common event shapes. Callers pass identifiers
// and titles; taxonomy, category and severity come from the registry.

func (e *Emitter) TaskCreated(ctx context.Context, projectID, taskID, title, actor string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "task.created",
		Title:             title,
		Actor:             actor,
		RelatedEntityType: "task",
		RelatedEntityID:   taskID,
	})
}

func (e *Emitter) TaskCompleted(ctx context.Context, projectID, taskID, title, actor string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "task.completed",
		Title:             title,
		Actor:             actor,
		RelatedEntityType: "task",
		RelatedEntityID:   taskID,
	})
}

func (e *Emitter) TaskApproved(ctx context.Context, projectID, taskID, title, approver string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "task.approved",
		Title:             title,
		Actor:             approver,
		RelatedEntityType: "task",
		RelatedEntityID:   taskID,
	})
}

func (e *Emitter) TaskRejected(ctx context.Context, projectID, taskID, title, reviewer, reason string) (models.Event, error) {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "task.rejected",
		Title:             title,
		Actor:             reviewer,
		Data:              data,
		RelatedEntityType: "task",
		RelatedEntityID:   taskID,
	})
}

func (e *Emitter) FeatureDeveloped(ctx context.Context, projectID, featureID, title, actor string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "feature.developed",
		Title:             title,
		Actor:             actor,
		RelatedEntityType: "feature",
		RelatedEntityID:   featureID,
	})
}

func (e *Emitter) IssueDiscovered(ctx context.Context, projectID, issueID, title, description string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "issue.discovered",
		Title:             title,
		Description:       description,
		RelatedEntityType: "issue",
		RelatedEntityID:   issueID,
	})
}

func (e *Emitter) DecisionMade(ctx context.Context, projectID, decisionID, title, rationale, actor string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "decision.made",
		Title:             title,
		Description:       rationale,
		Actor:             actor,
		RelatedEntityType: "decision",
		RelatedEntityID:   decisionID,
	})
}

func (e *Emitter) DeploymentSucceeded(ctx context.Context, projectID, deployID, title string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "deployment.succeeded",
		Title:             title,
		RelatedEntityType: "deployment",
		RelatedEntityID:   deployID,
	})
}

func (e *Emitter) DeploymentFailed(ctx context.Context, projectID, deployID, title, detail string) (models.Event, error) {
	return e.Emit(ctx, models.Event{
		ProjectID:         projectID,
		EventType:         "deployment.failed",
		Title:             title,
		Description:       detail,
		RelatedEntityType: "deployment",
		RelatedEntityID:   deployID,
	})
}
