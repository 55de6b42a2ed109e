package repos

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		project_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_category TEXT NOT NULL,
		source TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		related_entity_type TEXT NOT NULL DEFAULT '',
		related_entity_id TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		tags TEXT NOT NULL DEFAULT '[]',
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_project_cursor
		ON events (project_id, occurred_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_project_type
		ON events (project_id, event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status
		ON events (status, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS event_types (
		type_code TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		display_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		default_severity TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

// EnsureSchema creates the events and event_types tables. Idempotent; run
// by cmd/api at startup before the listener or any handler touches the
// store.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
