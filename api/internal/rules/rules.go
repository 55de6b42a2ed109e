package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"project-pulse/api/internal/models"
	"project-pulse/shared/logx"
	"project-pulse/shared/metricsx"
)

type ActionKind string

const (
	ActionNotify        ActionKind = "notify"
	ActionEmitFollowUp  ActionKind = "emit_follow_up"
	ActionUpdateEntity  ActionKind = "update_entity"
	ActionSearchHistory ActionKind = "search_history"
)

// Action is a tagged union; Kind selects which field is set. The engine
// dispatches on Kind, so rules stay pure functions from event to actions.
type Action struct {
	Kind         ActionKind
	Notification *NotifyAction
	FollowUp     *models.Event
	Update       *UpdateEntityAction
	Search       *SearchHistoryAction
}

type NotifyAction struct {
	Type    string
	Title   string
	Message string
}

type UpdateEntityAction struct {
	ProjectID  string
	EntityType string
	EntityID   string
}

type SearchHistoryAction struct {
	Event models.Event
	Limit int
}

// Rule pairs a predicate with the actions to run on a match. Match and
// Apply must not mutate the event.
type Rule struct {
	ID          string
	Description string
	Match       func(event models.Event) bool
	Apply       func(event models.Event) []Action
}

type Notifier interface {
	Send(notificationType, title, message, ruleID string) models.Notification
}

type FollowUpEmitter interface {
	Emit(ctx context.Context, event models.Event) (models.Event, error)
}

type History interface {
	SearchSimilar(ctx context.Context, event models.Event, limit int) ([]models.Event, error)
}

// EntityUpdater applies side effects on entities tracked outside the event
// log. The default wiring only records the intent; a project-management
// integration can supply a real implementation.
type EntityUpdater interface {
	ClearBlockedBy(ctx context.Context, projectID, entityType, entityID string) error
}

// Result records what one enabled rule did with one event. Non-matches
// still produce a result so callers can audit evaluation order.
type Result struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
	Actions int    `json:"actions"`
	Error   string `json:"error,omitempty"`
}

type ruleState struct {
	rule      Rule
	enabled   bool
	matched   int64
	succeeded int64
	failed    int64
}

// Engine evaluates rules in registration order. A panicking or failing
// rule is contained; remaining rules still run for the same event.
type Engine struct {
	mu       sync.Mutex
	order    []string
	states   map[string]*ruleState
	notifier Notifier
	emitter  FollowUpEmitter
	history  History
	updater  EntityUpdater
	logger   logx.Logger

	eventsEvaluated int64
	rulesTriggered  int64
}

func NewEngine(notifier Notifier, emitter FollowUpEmitter, history History, updater EntityUpdater, logger logx.Logger) *Engine {
	e := &Engine{
		states:   make(map[string]*ruleState),
		notifier: notifier,
		emitter:  emitter,
		history:  history,
		updater:  updater,
		logger:   logger,
	}
	for _, r := range canonicalRules() {
		e.Register(r)
	}
	return e
}

// Register adds a rule at the end of the evaluation order, enabled.
// Re-registering an id replaces the rule but keeps its position and counters.
func (e *Engine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[rule.ID]; ok {
		state.rule = rule
		return
	}
	e.states[rule.ID] = &ruleState{rule: rule, enabled: true}
	e.order = append(e.order, rule.ID)
}

func (e *Engine) Enable(ruleID string) bool {
	return e.setEnabled(ruleID, true)
}

func (e *Engine) Disable(ruleID string) bool {
	return e.setEnabled(ruleID, false)
}

func (e *Engine) setEnabled(ruleID string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[ruleID]
	if !ok {
		return false
	}
	state.enabled = enabled
	return true
}

// Evaluate runs every enabled rule against the event, in order. The
// returned slice has one entry per enabled rule.
func (e *Engine) Evaluate(ctx context.Context, event models.Event) []Result {
	e.mu.Lock()
	type step struct {
		state *ruleState
		rule  Rule
	}
	steps := make([]step, 0, len(e.order))
	for _, id := range e.order {
		if state := e.states[id]; state.enabled {
			steps = append(steps, step{state: state, rule: state.rule})
		}
	}
	e.mu.Unlock()

	results := make([]Result, 0, len(steps))
	for _, s := range steps {
		result := e.runRule(ctx, s.rule, event)
		e.mu.Lock()
		if result.Matched {
			s.state.matched++
			e.rulesTriggered++
			if result.Error == "" {
				s.state.succeeded++
			}
		}
		if result.Error != "" {
			s.state.failed++
		}
		e.mu.Unlock()
		results = append(results, result)
	}

	e.mu.Lock()
	e.eventsEvaluated++
	e.mu.Unlock()
	return results
}

func (e *Engine) runRule(ctx context.Context, rule Rule, event models.Event) (result Result) {
	result = Result{RuleID: rule.ID}
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
			metricsx.IncRuleFailure(rule.ID)
			e.logger.Error(ctx, "rule_panicked", "rule panicked",
				slog.String("rule_id", rule.ID),
				slog.String("event_id", event.ID.String()),
				slog.Any("panic", r),
			)
		}
	}()

	if !rule.Match(event) {
		return result
	}
	result.Matched = true
	metricsx.IncRuleMatch(rule.ID)

	for _, action := range rule.Apply(event) {
		if err := e.dispatch(ctx, rule.ID, event, action); err != nil {
			result.Error = err.Error()
			metricsx.IncRuleFailure(rule.ID)
			e.logger.Warn(ctx, "rule_action_failed", "rule action failed",
				slog.String("rule_id", rule.ID),
				slog.String("action", string(action.Kind)),
				slog.String("event_id", event.ID.String()),
				slog.String("error", err.Error()),
			)
			return result
		}
		result.Actions++
	}
	return result
}

func (e *Engine) dispatch(ctx context.Context, ruleID string, event models.Event, action Action) error {
	switch action.Kind {
	case ActionNotify:
		if action.Notification == nil {
			return fmt.Errorf("notify action without payload")
		}
		e.notifier.Send(action.Notification.Type, action.Notification.Title, action.Notification.Message, ruleID)
		return nil

	case ActionEmitFollowUp:
		if action.FollowUp == nil {
			return fmt.Errorf("follow-up action without event")
		}
		_, err := e.emitter.Emit(ctx, *action.FollowUp)
		return err

	case ActionUpdateEntity:
		if action.Update == nil {
			return fmt.Errorf("update action without target")
		}
		return e.updater.ClearBlockedBy(ctx, action.Update.ProjectID, action.Update.EntityType, action.Update.EntityID)

	case ActionSearchHistory:
		if action.Search == nil {
			return fmt.Errorf("search action without query")
		}
		similar, err := e.history.SearchSimilar(ctx, action.Search.Event, action.Search.Limit)
		if err != nil {
			return err
		}
		if len(similar) > 0 {
			e.notifier.Send(models.NotificationWarning,
				"Similar issues found",
				fmt.Sprintf("%d prior events resemble %q", len(similar), event.Title),
				ruleID)
		}
		return nil
	}
	return fmt.Errorf("unknown action kind %q", action.Kind)
}

type RuleStats struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Matched     int64  `json:"matched"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
}

// EngineStats is the aggregate snapshot served by the rules endpoint.
type EngineStats struct {
	TotalRules      int         `json:"total_rules"`
	EnabledRules    int         `json:"enabled_rules"`
	EventsEvaluated int64       `json:"events_evaluated"`
	RulesTriggered  int64       `json:"rules_triggered"`
	Rules           []RuleStats `json:"rules"`
}

// Stats returns per-rule counters in evaluation order.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := EngineStats{
		TotalRules:      len(e.order),
		EventsEvaluated: e.eventsEvaluated,
		RulesTriggered:  e.rulesTriggered,
		Rules:           make([]RuleStats, 0, len(e.order)),
	}
	for _, id := range e.order {
		state := e.states[id]
		if state.enabled {
			stats.EnabledRules++
		}
		stats.Rules = append(stats.Rules, RuleStats{
			RuleID:      id,
			Description: state.rule.Description,
			Enabled:     state.enabled,
			Matched:     state.matched,
			Succeeded:   state.succeeded,
			Failed:      state.failed,
		})
	}
	return stats
}
