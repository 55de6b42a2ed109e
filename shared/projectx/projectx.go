package projectx

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithProject stores the project id a request is scoped to.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, contextKey{}, projectID)
}

func FromContext(ctx context.Context) (string, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if id, ok := v.(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func ProjectIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return ""
}

// FromRequest resolves the project id of a request: the X-Project-ID
// header wins, then the project_id query parameter.
func FromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Project-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("project_id"))
}
