package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"project-pulse/api/internal/models"
)

const similarHistoryLimit = 5

// rejectionReason digs the reviewer's reason out of the event payload,
// falling back to the free-form description.
func rejectionReason(event models.Event) string {
	if len(event.Data) > 0 {
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(event.Data, &payload); err == nil {
			if reason := strings.TrimSpace(payload.Reason); reason != "" {
				return reason
			}
		}
	}
	return strings.TrimSpace(event.Description)
}

// canonicalRules is the fixed evaluation order. Ids are stable; dashboards
// and the stats endpoint key on them.
func canonicalRules() []Rule {
	return []Rule{
		{
			ID:          "task_completed_review",
			Description: "Ask a reviewer to look at every completed task",
			Match: func(event models.Event) bool {
				return event.EventType == "task.completed"
			},
			Apply: func(event models.Event) []Action {
				return []Action{{
					Kind: ActionNotify,
					Notification: &NotifyAction{
						Type:    models.NotificationInfo,
						Title:   "Task ready for review",
						Message: fmt.Sprintf("%q was completed and needs review", event.Title),
					},
				}}
			},
		},
		{
			ID:          "feature_integration_check",
			Description: "Schedule integration verification after feature development",
			Match: func(event models.Event) bool {
				return event.EventType == "feature.developed"
			},
			Apply: func(event models.Event) []Action {
				return []Action{{
					Kind: ActionEmitFollowUp,
					FollowUp: &models.Event{
						ProjectID:         event.ProjectID,
						EventType:         "integration.verification_needed",
						Source:            models.SourceSystem,
						Title:             fmt.Sprintf("Verify integration of %q", event.Title),
						RelatedEntityType: event.RelatedEntityType,
						RelatedEntityID:   event.RelatedEntityID,
					},
				}}
			},
		},
		{
			ID:          "task_approved_unblock",
			Description: "Clear blocked-by references once a task is approved",
			Match: func(event models.Event) bool {
				return event.EventType == "task.approved" && event.RelatedEntityID != ""
			},
			Apply: func(event models.Event) []Action {
				return []Action{{
					Kind: ActionUpdateEntity,
					Update: &UpdateEntityAction{
						ProjectID:  event.ProjectID,
						EntityType: event.RelatedEntityType,
						EntityID:   event.RelatedEntityID,
					},
				}}
			},
		},
		{
			ID:          "issue_similarity_scan",
			Description: "Surface prior events that resemble a newly discovered issue",
			Match: func(event models.Event) bool {
				return event.EventType == "issue.discovered"
			},
			Apply: func(event models.Event) []Action {
				return []Action{{
					Kind: ActionSearchHistory,
					Search: &SearchHistoryAction{
						Event: event,
						Limit: similarHistoryLimit,
					},
				}}
			},
		},
		{
			ID:          "task_rejected_alert",
			Description: "Alert the assignee when a task is rejected",
			Match: func(event models.Event) bool {
				return event.EventType == "task.rejected"
			},
			Apply: func(event models.Event) []Action {
				message := fmt.Sprintf("%q was rejected and needs rework", event.Title)
				if reason := rejectionReason(event); reason != "" {
					message = fmt.Sprintf("%q was rejected: %s", event.Title, reason)
				}
				return []Action{{
					Kind: ActionNotify,
					Notification: &NotifyAction{
						Type:    models.NotificationWarning,
						Title:   "Task rejected",
						Message: message,
					},
				}}
			},
		},
	}
}
