package anomaly

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"saleguard/internal/activity"
)

// Engine evaluates observed activity against a rule set over a bounded
// rolling window. One activity may match several rules; the engine does
// not deduplicate, dedup/cooldown is the dispatcher's concern.
type Engine struct {
	rules  []Rule
	logger zerolog.Logger

	mu      sync.Mutex
	history *ring
}

// NewEngine constructs the engine; rules are evaluated in the order
// given.
func NewEngine(rules []Rule, historySize int, logger zerolog.Logger) *Engine {
	return &Engine{
		rules:   rules,
		logger:  logger.With().Str("component", "anomaly").Logger(),
		history: newRing(historySize),
	}
}

// Observe pushes an activity through the rule set and appends it to the
// rolling window. Returns all alerts raised, in rule order.
func (e *Engine) Observe(act activity.Activity) []activity.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.history.items()

	var alerts []activity.Alert
	for _, rule := range e.rules {
		alert, matched := rule.Evaluate(act, history)
		if !matched {
			continue
		}
		alerts = append(alerts, alert)
		e.logger.Warn().
			Str("rule_id", alert.RuleID).
			Str("severity", string(alert.Severity)).
			Str("activity_id", act.ID).
			Str("activity_type", string(act.Type)).
			Msg(alert.Description)
	}

	e.history.push(act)
	return alerts
}

// HistoryLen reports the current window size. Read-only, for status.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.len()
}

func makeAlert(ruleID string, severity activity.Severity, source activity.Activity, description string) activity.Alert {
	return activity.Alert{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		Severity:    severity,
		Description: description,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
}
