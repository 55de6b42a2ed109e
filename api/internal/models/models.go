package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event categories. Inferred from the event type's first dotted segment
// when the producer omits the category.
const (
	CategoryTask       = "task"
	CategoryIssue      = "issue"
	CategoryDecision   = "decision"
	CategoryDeployment = "deployment"
	CategorySystem     = "system"
	CategoryGeneral    = "general"
)

const (
	SourceSystem   = "system"
	SourceUser     = "user"
	SourceAI       = "ai"
	SourceExternal = "external"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event is an immutable fact recorded about project activity. Only the
// status column changes after append (pending -> processed -> archived).
type Event struct {
	ID                uuid.UUID       `json:"id"`
	ProjectID         string          `json:"project_id"`
	EventType         string          `json:"event_type"`
	Category          string          `json:"category"`
	Source            string          `json:"source"`
	Actor             string          `json:"actor,omitempty"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	RelatedEntityType string          `json:"related_entity_type,omitempty"`
	RelatedEntityID   string          `json:"related_entity_id,omitempty"`
	Severity          string          `json:"severity"`
	Status            string          `json:"status"`
	Tags              []string        `json:"tags,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// EventType is a registry row consulted by the emitter to fill category and
// severity defaults. Seeded at bootstrap, rarely mutated.
type EventType struct {
	TypeCode        string `json:"type_code"`
	Category        string `json:"category"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description,omitempty"`
	DefaultSeverity string `json:"default_severity"`
	Active          bool   `json:"active"`
}

const (
	NotificationInfo    = "info"
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// Notification is a user-facing message produced by a matched rule. Held
// in memory only; lost on restart.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RuleID    string    `json:"rule_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// EventFilter narrows an event query. Zero values mean "no constraint";
// ProjectID is mandatory and enforced by the store.
type EventFilter struct {
	ProjectID         string
	EventType         string
	Category          string
	Severity          string
	Actor             string
	RelatedEntityType string
	RelatedEntityID   string
	Status            string
	Since             time.Time
	Until             time.Time
	Limit             int
	Offset            int
}

// EventStats is the per-project aggregate recomputed on each call.
type EventStats struct {
	TotalEvents int64            `json:"total_events"`
	ByCategory  map[string]int64 `json:"by_category"`
	BySeverity  map[string]int64 `json:"by_severity"`
	Today       int64            `json:"today"`
	ThisWeek    int64            `json:"this_week"`
	ThisMonth   int64            `json:"this_month"`
}

func ValidCategory(category string) bool {
	switch category {
	case CategoryTask, CategoryIssue, CategoryDecision, CategoryDeployment, CategorySystem, CategoryGeneral:
		return true
	}
	return false
}

func ValidSource(source string) bool {
	switch source {
	case SourceSystem, SourceUser, SourceAI, SourceExternal:
		return true
	}
	return false
}

func ValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func ValidNotificationType(t string) bool {
	switch t {
	case NotificationInfo, NotificationSuccess, NotificationWarning, NotificationError:
		return true
	}
	return false
}
