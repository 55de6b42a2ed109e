package rules

import (
	"context"
	"log/slog"

	"project-pulse/shared/logx"
)

// LoggedUpdater records entity updates in the log without touching any
// external tracker. Used until a project-management backend is wired in.
type LoggedUpdater struct {
	Logger logx.Logger
}

func (u LoggedUpdater) ClearBlockedBy(ctx context.Context, projectID, entityType, entityID string) error {
	u.Logger.Info(ctx, "entity_unblocked", "cleared blocked-by references",
		slog.String("project_id", projectID),
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
	)
	return nil
}
