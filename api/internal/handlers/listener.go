package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"project-pulse/api/internal/listener"
	"project-pulse/api/internal/models"
	"project-pulse/shared/httpx"
)

type startRequest struct {
	ProjectID        string `json:"project_id"`
	PollInterval     int    `json:"poll_interval"`
	MaxNotifications int    `json:"max_notifications"`
}

// startListener is safe to retry: starting an already-running listener is
// reported as success:false with a message, never as an error status.
func (h *Handlers) startListener(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required", nil)
		return
	}

	pollInterval := h.DefaultPollInterval
	if req.PollInterval > 0 {
		pollInterval = time.Duration(req.PollInterval) * time.Second
	}
	status, err := h.Manager.Start(req.ProjectID, pollInterval)
	if err != nil {
		if errors.Is(err, listener.ErrAlreadyRunning) {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "already running",
				"status":  status,
			})
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "listener start failed", nil)
		return
	}

	// Resize only once the start is accepted; a rejected retry must not
	// touch queue capacity.
	if req.MaxNotifications > 0 {
		h.Notify.Resize(req.MaxNotifications)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config": map[string]any{
			"project_id":            req.ProjectID,
			"poll_interval_seconds": int(pollInterval / time.Second),
			"max_notifications":     h.Notify.Stats().Capacity,
		},
	})
}

func (h *Handlers) stopListener(w http.ResponseWriter, r *http.Request) {
	status, err := h.Manager.Stop()
	if err != nil {
		if errors.Is(err, listener.ErrNotRunning) {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "not running",
				"status":  status,
			})
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "listener stop failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  status,
	})
}

func (h *Handlers) listenerStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  h.Manager.Status(),
	})
}

func (h *Handlers) ruleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.Engine.Stats()
	listenerStatus := h.Manager.Status()

	ruleList := make([]map[string]any, 0, len(stats.Rules))
	for _, rs := range stats.Rules {
		ruleList = append(ruleList, map[string]any{
			"rule_id":    rs.RuleID,
			"name":       rs.Description,
			"is_enabled": rs.Enabled,
			"stats": map[string]any{
				"triggered_count": rs.Matched,
				"success_count":   rs.Succeeded,
				"failure_count":   rs.Failed,
			},
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"total_rules":            stats.TotalRules,
			"enabled_rules":          stats.EnabledRules,
			"total_events_processed": listenerStatus.EventsProcessed,
			"total_rules_triggered":  stats.RulesTriggered,
			"rules":                  ruleList,
		},
	})
}

func (h *Handlers) enableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *Handlers) disableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handlers) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ruleID := r.PathValue("id")
	var ok bool
	if enabled {
		ok = h.Engine.Enable(ruleID)
	} else {
		ok = h.Engine.Disable(ruleID)
	}
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "rule not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"rule_id":    ruleID,
		"is_enabled": enabled,
	})
}

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	unreadOnly := q.Get("unread_only") == "true" || q.Get("unread_only") == "1"

	notifications := h.Notify.List(q.Get("type"), unreadOnly, limit)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"count":         len(notifications),
		"notifications": notifications,
	})
}

func (h *Handlers) notificationStats(w http.ResponseWriter, r *http.Request) {
	stats := h.Notify.Stats()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"total_sent":    stats.TotalSent,
		"info_count":    stats.ByType[models.NotificationInfo],
		"success_count": stats.ByType[models.NotificationSuccess],
		"warning_count": stats.ByType[models.NotificationWarning],
		"error_count":   stats.ByType[models.NotificationError],
		"current_count": stats.Queued,
		"unread_count":  stats.Unread,
	})
}

func (h *Handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid notification id", nil)
		return
	}
	// Already-read, evicted, and unknown ids are all no-ops so client
	// retries after an eviction race stay cheap.
	h.Notify.MarkRead(id)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handlers) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	marked := h.Notify.MarkAllRead()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"marked":  marked,
	})
}
