package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"project-pulse/api/internal/emitter"
	"project-pulse/api/internal/listener"
	"project-pulse/api/internal/models"
	"project-pulse/api/internal/notify"
	"project-pulse/api/internal/repos"
	"project-pulse/api/internal/rules"
	"project-pulse/shared/httpx"
	"project-pulse/shared/logx"
	"project-pulse/shared/workflow"
)

const maxBodyBytes = 1 << 20

type EventStore interface {
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (models.Event, error)
	Stats(ctx context.Context, projectID string) (models.EventStats, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event models.Event) (models.Event, error)
	EmitBatch(ctx context.Context, batch []models.Event) ([]models.Event, error)
}

type TypeRegistry interface {
	List(ctx context.Context) ([]models.EventType, error)
}

// Handlers serves the event and listener-control routes. All collaborators
// are injected; nothing here reaches for globals.
type Handlers struct {
	Emitter             EventEmitter
	Store               EventStore
	Types               TypeRegistry
	Engine              *rules.Engine
	Notify              *notify.Service
	Manager             *listener.Manager
	Logger              logx.Logger
	MaxQueryLimit       int
	DefaultPollInterval time.Duration
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", h.createEvent)
	mux.HandleFunc("POST /api/events/batch", h.createEventBatch)
	mux.HandleFunc("GET /api/events", h.queryEvents)
	mux.HandleFunc("GET /api/events/types", h.listEventTypes)
	mux.HandleFunc("GET /api/events/stats/{project_id}", h.eventStats)
	mux.HandleFunc("GET /api/events/{id}", h.getEvent)

	mux.HandleFunc("POST /api/listener/start", h.startListener)
	mux.HandleFunc("POST /api/listener/stop", h.stopListener)
	mux.HandleFunc("GET /api/listener/status", h.listenerStatus)
	mux.HandleFunc("GET /api/listener/rules", h.ruleStats)
	mux.HandleFunc("POST /api/listener/rules/{id}/enable", h.enableRule)
	mux.HandleFunc("POST /api/listener/rules/{id}/disable", h.disableRule)
	mux.HandleFunc("GET /api/listener/notifications", h.listNotifications)
	mux.HandleFunc("GET /api/listener/notifications/stats", h.notificationStats)
	mux.HandleFunc("POST /api/listener/notifications/{id}/read", h.markNotificationRead)
	mux.HandleFunc("POST /api/listener/notifications/read-all", h.markAllNotificationsRead)
}

type eventRequest struct {
	ProjectID         string          `json:"project_id"`
	EventType         string          `json:"event_type"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	Source            string          `json:"source"`
	Actor             string          `json:"actor"`
	Severity          string          `json:"severity"`
	Data              json.RawMessage `json:"data"`
	RelatedEntityType string          `json:"related_entity_type"`
	RelatedEntityID   string          `json:"related_entity_id"`
	Tags              []string        `json:"tags"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

func (req eventRequest) toEvent() models.Event {
	return models.Event{
		ProjectID:         req.ProjectID,
		EventType:         req.EventType,
		Title:             req.Title,
		Description:       req.Description,
		Category:          req.Category,
		Source:            req.Source,
		Actor:             req.Actor,
		Severity:          req.Severity,
		Data:              req.Data,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		Tags:              req.Tags,
		OccurredAt:        req.OccurredAt,
	}
}

func (h *Handlers) createEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	event, err := h.Emitter.Emit(r.Context(), req.toEvent())
	if err != nil {
		h.writeEmitError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"event":   event,
	})
}

func (h *Handlers) createEventBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []eventRequest
	if !decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "batch is empty", nil)
		return
	}

	batch := make([]models.Event, 0, len(reqs))
	for _, req := range reqs {
		batch = append(batch, req.toEvent())
	}
	appended, err := h.Emitter.EmitBatch(r.Context(), batch)
	if err != nil {
		// Appends are independent; report the prefix that landed.
		h.writeEmitError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(appended),
		"events":  appended,
	})
}

func (h *Handlers) queryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		ProjectID:         strings.TrimSpace(q.Get("project_id")),
		EventType:         q.Get("event_type"),
		Category:          q.Get("category"),
		Severity:          q.Get("severity"),
		Actor:             q.Get("actor"),
		RelatedEntityType: q.Get("related_entity_type"),
		RelatedEntityID:   q.Get("related_entity_id"),
	}
	if filter.ProjectID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required", nil)
		return
	}

	if raw := q.Get("status"); raw != "" {
		status := workflow.NormalizeEventStatus(raw)
		if !knownEventStatus(status) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
				"status must be one of "+strings.Join(workflow.AllEventStatuses(), ", "), nil)
			return
		}
		filter.Status = status
	}

	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "since must be RFC3339", nil)
			return
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "until must be RFC3339", nil)
			return
		}
		filter.Until = ts
	}

	filter.Limit = intParam(q.Get("limit"), 50)
	if h.MaxQueryLimit > 0 && filter.Limit > h.MaxQueryLimit {
		filter.Limit = h.MaxQueryLimit
	}
	filter.Offset = intParam(q.Get("offset"), 0)

	events, err := h.Store.Query(r.Context(), filter)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "event query failed", nil)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(events),
		"events":  events,
	})
}

func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid event id", nil)
		return
	}
	event, err := h.Store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "event lookup failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"event":   event,
	})
}

func (h *Handlers) listEventTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Types.List(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "event type listing failed", nil)
		return
	}
	if types == nil {
		types = []models.EventType{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"event_types": types,
	})
}

func (h *Handlers) eventStats(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required", nil)
		return
	}
	stats, err := h.Store.Stats(r.Context(), projectID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "stats query failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

func (h *Handlers) writeEmitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, emitter.ErrValidation) {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "event append failed", nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
		return false
	}
	return true
}

func knownEventStatus(status string) bool {
	for _, s := range workflow.AllEventStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
