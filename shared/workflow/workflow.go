package workflow

import "strings"

// Event status lifecycle. Events are appended pending, marked processed by
// the listener once a poll cycle has evaluated them, and archived by the
// maintenance worker after the retention window. Never deleted.
const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusArchived  = "archived"
)

var statusTransitions = map[string]map[string]bool{
	EventStatusPending: {
		EventStatusProcessed: true,
	},
	EventStatusProcessed: {
		EventStatusArchived: true,
	},
}

func NormalizeEventStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeEventStatus(fromStatus)
	toStatus = NormalizeEventStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := statusTransitions[fromStatus]
	if next == nil {
		return false
	}
	return next[toStatus]
}

func AllEventStatuses() []string {
	return []string{
		EventStatusPending,
		EventStatusProcessed,
		EventStatusArchived,
	}
}
