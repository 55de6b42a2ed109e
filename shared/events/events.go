package events

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape of an activity event mirrored onto Kafka for
// external consumers. The in-process pipeline never reads it back; the
// mirror is fire-and-forget and carries no delivery guarantee.
type Envelope struct {
	EventID    string          `json:"event_id"`
	ProjectID  string          `json:"project_id"`
	EventType  string          `json:"event_type"`
	Category   string          `json:"category"`
	Source     string          `json:"source"`
	Severity   string          `json:"severity"`
	Title      string          `json:"title"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

const (
	TopicActivityEvents = "activity.events"
)
