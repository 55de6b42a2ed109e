package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"project-pulse/api/internal/models"
	"project-pulse/shared/logx"
)

type fakeNotifier struct {
	sent []models.Notification
}

func (n *fakeNotifier) Send(notificationType, title, message, ruleID string) models.Notification {
	msg := models.Notification{Type: notificationType, Title: title, Message: message, RuleID: ruleID}
	n.sent = append(n.sent, msg)
	return msg
}

type fakeEmitter struct {
	emitted []models.Event
	err     error
}

func (e *fakeEmitter) Emit(ctx context.Context, event models.Event) (models.Event, error) {
	if e.err != nil {
		return models.Event{}, e.err
	}
	e.emitted = append(e.emitted, event)
	return event, nil
}

type fakeHistory struct {
	similar []models.Event
	err     error
}

func (h *fakeHistory) SearchSimilar(ctx context.Context, event models.Event, limit int) ([]models.Event, error) {
	return h.similar, h.err
}

type fakeUpdater struct {
	cleared []string
}

func (u *fakeUpdater) ClearBlockedBy(ctx context.Context, projectID, entityType, entityID string) error {
	u.cleared = append(u.cleared, entityID)
	return nil
}

type engineFakes struct {
	notifier *fakeNotifier
	emitter  *fakeEmitter
	history  *fakeHistory
	updater  *fakeUpdater
}

func newTestEngine() (*Engine, *engineFakes) {
	f := &engineFakes{
		notifier: &fakeNotifier{},
		emitter:  &fakeEmitter{},
		history:  &fakeHistory{},
		updater:  &fakeUpdater{},
	}
	e := NewEngine(f.notifier, f.emitter, f.history, f.updater, logx.New("rules-test", "test", "", "error"))
	return e, f
}

func TestEvaluateReturnsResultPerEnabledRule(t *testing.T) {
	e, _ := newTestEngine()
	results := e.Evaluate(context.Background(), models.Event{EventType: "task.created", Title: "t"})

	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	for _, r := range results {
		if r.Matched {
			t.Fatalf("rule %s matched task.created", r.RuleID)
		}
	}
}

func TestTaskCompletedSendsReviewNotification(t *testing.T) {
	e, f := newTestEngine()
	results := e.Evaluate(context.Background(), models.Event{EventType: "task.completed", Title: "ship parser"})

	if !matched(results, "task_completed_review") {
		t.Fatal("task_completed_review did not match")
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	if f.notifier.sent[0].RuleID != "task_completed_review" {
		t.Fatalf("rule_id = %q", f.notifier.sent[0].RuleID)
	}
}

func TestTaskRejectedAlertCarriesReason(t *testing.T) {
	e, f := newTestEngine()
	e.Evaluate(context.Background(), models.Event{
		EventType: "task.rejected",
		Title:     "ship parser",
		Data:      json.RawMessage(`{"reason":"missing error handling"}`),
	})

	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	if msg := f.notifier.sent[0].Message; !strings.Contains(msg, "missing error handling") {
		t.Fatalf("message %q does not carry the rejection reason", msg)
	}

	// Without a structured reason the description stands in.
	e2, f2 := newTestEngine()
	e2.Evaluate(context.Background(), models.Event{
		EventType:   "task.rejected",
		Title:       "ship parser",
		Description: "tests red on main",
	})
	if msg := f2.notifier.sent[0].Message; !strings.Contains(msg, "tests red on main") {
		t.Fatalf("message %q does not fall back to the description", msg)
	}
}

func TestFeatureDevelopedEmitsFollowUp(t *testing.T) {
	e, f := newTestEngine()
	e.Evaluate(context.Background(), models.Event{
		ProjectID:         "proj-1",
		EventType:         "feature.developed",
		Title:             "sso login",
		RelatedEntityType: "feature",
		RelatedEntityID:   "feat-3",
	})

	if len(f.emitter.emitted) != 1 {
		t.Fatalf("emitted = %d, want 1", len(f.emitter.emitted))
	}
	follow := f.emitter.emitted[0]
	if follow.EventType != "integration.verification_needed" {
		t.Fatalf("follow-up type = %q", follow.EventType)
	}
	if follow.ProjectID != "proj-1" || follow.RelatedEntityID != "feat-3" {
		t.Fatalf("follow-up lost context: %+v", follow)
	}
}

func TestTaskApprovedClearsBlockedBy(t *testing.T) {
	e, f := newTestEngine()
	e.Evaluate(context.Background(), models.Event{
		ProjectID:         "proj-1",
		EventType:         "task.approved",
		Title:             "t",
		RelatedEntityType: "task",
		RelatedEntityID:   "task-9",
	})
	if len(f.updater.cleared) != 1 || f.updater.cleared[0] != "task-9" {
		t.Fatalf("cleared = %v", f.updater.cleared)
	}

	// No related entity means nothing to unblock.
	e.Evaluate(context.Background(), models.Event{ProjectID: "proj-1", EventType: "task.approved", Title: "t"})
	if len(f.updater.cleared) != 1 {
		t.Fatalf("cleared = %v, want unchanged", f.updater.cleared)
	}
}

func TestIssueDiscoveredNotifiesOnSimilarHistory(t *testing.T) {
	e, f := newTestEngine()
	f.history.similar = []models.Event{{Title: "old issue"}, {Title: "older issue"}}

	e.Evaluate(context.Background(), models.Event{EventType: "issue.discovered", Title: "timeouts again"})
	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	if f.notifier.sent[0].Type != models.NotificationWarning {
		t.Fatalf("type = %q, want warning", f.notifier.sent[0].Type)
	}

	// Empty history stays quiet.
	f.history.similar = nil
	e.Evaluate(context.Background(), models.Event{EventType: "issue.discovered", Title: "fresh issue"})
	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want still 1", len(f.notifier.sent))
	}
}

func TestRuleFailureDoesNotStopOtherRules(t *testing.T) {
	e, f := newTestEngine()
	f.emitter.err = errors.New("store down")

	// feature.developed triggers the failing follow-up emit; register an
	// extra rule after it to prove evaluation continues.
	e.Register(Rule{
		ID:    "trailing_notify",
		Match: func(event models.Event) bool { return true },
		Apply: func(event models.Event) []Action {
			return []Action{{Kind: ActionNotify, Notification: &NotifyAction{Type: models.NotificationInfo, Title: "trailing", Message: "ran"}}}
		},
	})

	results := e.Evaluate(context.Background(), models.Event{ProjectID: "p", EventType: "feature.developed", Title: "t"})
	if len(results) != 6 {
		t.Fatalf("results = %d, want 6", len(results))
	}
	if err := resultFor(t, results, "feature_integration_check").Error; err == "" {
		t.Fatal("expected failure recorded for feature_integration_check")
	}
	if !matched(results, "trailing_notify") {
		t.Fatal("trailing rule did not run after failure")
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("trailing notification not sent: %d", len(f.notifier.sent))
	}
}

func TestPanickingRuleIsContained(t *testing.T) {
	e, _ := newTestEngine()
	e.Register(Rule{
		ID:    "panicky",
		Match: func(event models.Event) bool { panic("boom") },
	})
	e.Register(Rule{
		ID:    "after_panic",
		Match: func(event models.Event) bool { return true },
		Apply: func(event models.Event) []Action { return nil },
	})

	results := e.Evaluate(context.Background(), models.Event{EventType: "task.created", Title: "t"})
	if err := resultFor(t, results, "panicky").Error; err == "" {
		t.Fatal("panic not recorded as failure")
	}
	if !matched(results, "after_panic") {
		t.Fatal("rule after panic did not run")
	}
}

func TestDisableSkipsRule(t *testing.T) {
	e, f := newTestEngine()
	if !e.Disable("task_completed_review") {
		t.Fatal("Disable returned false for known rule")
	}
	if e.Disable("no_such_rule") {
		t.Fatal("Disable returned true for unknown rule")
	}

	results := e.Evaluate(context.Background(), models.Event{EventType: "task.completed", Title: "t"})
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if len(f.notifier.sent) != 0 {
		t.Fatal("disabled rule still notified")
	}

	e.Enable("task_completed_review")
	results = e.Evaluate(context.Background(), models.Event{EventType: "task.completed", Title: "t"})
	if len(results) != 5 || len(f.notifier.sent) != 1 {
		t.Fatalf("re-enable failed: results=%d sent=%d", len(results), len(f.notifier.sent))
	}
}

func TestStatsTrackMatchesAndOrder(t *testing.T) {
	e, _ := newTestEngine()
	e.Evaluate(context.Background(), models.Event{EventType: "task.completed", Title: "t"})
	e.Evaluate(context.Background(), models.Event{EventType: "task.completed", Title: "t"})

	stats := e.Stats()
	if stats.TotalRules != 5 || stats.EnabledRules != 5 {
		t.Fatalf("totals = %d/%d, want 5/5", stats.TotalRules, stats.EnabledRules)
	}
	if stats.EventsEvaluated != 2 {
		t.Fatalf("events_evaluated = %d, want 2", stats.EventsEvaluated)
	}
	if stats.RulesTriggered != 2 {
		t.Fatalf("rules_triggered = %d, want 2", stats.RulesTriggered)
	}
	if stats.Rules[0].RuleID != "task_completed_review" {
		t.Fatalf("order wrong, first = %s", stats.Rules[0].RuleID)
	}
	if stats.Rules[0].Matched != 2 || stats.Rules[0].Succeeded != 2 {
		t.Fatalf("rule counters = %d/%d, want 2/2", stats.Rules[0].Matched, stats.Rules[0].Succeeded)
	}
}

func matched(results []Result, ruleID string) bool {
	for _, r := range results {
		if r.RuleID == ruleID {
			return r.Matched
		}
	}
	return false
}

func resultFor(t *testing.T, results []Result, ruleID string) Result {
	t.Helper()
	for _, r := range results {
		if r.RuleID == ruleID {
			return r
		}
	}
	t.Fatalf("no result for %s", ruleID)
	return Result{}
}
