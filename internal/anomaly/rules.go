package anomaly

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"saleguard/internal/activity"
)

// Rule 对单条活动（可结合历史窗口）判定是否产生告警。
type Rule interface {
	ID() string
	Evaluate(act activity.Activity, history []activity.Activity) (activity.Alert, bool)
}

// Thresholds parameterise the built-in rule set.
type Thresholds struct {
	LargeTransfer   decimal.Decimal
	LargeInvestment decimal.Decimal
	RapidCount      int
	RapidWindow     time.Duration
	RepeatCount     int
	PriceChangePct  uint64
	SuspiciousTerms []string
}

// DefaultThresholds mirror the production monitor configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LargeTransfer:   decimal.NewFromInt(1000),
		LargeInvestment: decimal.NewFromInt(100),
		RapidCount:      10,
		RapidWindow:     time.Hour,
		RepeatCount:     5,
		PriceChangePct:  20,
		SuspiciousTerms: []string{"test", "hack", "exploit", "attack", "scam"},
	}
}

// DefaultRules builds the rule set in its canonical evaluation order.
func DefaultRules(t Thresholds) []Rule {
	return []Rule{
		&largeAmountRule{id: "LARGE_TRANSFER", kind: activity.TypeTransfer, threshold: t.LargeTransfer, severity: activity.SeverityHigh},
		&largeAmountRule{id: "LARGE_INVESTMENT", kind: activity.TypeInvestment, threshold: t.LargeInvestment, severity: activity.SeverityHigh},
		&rapidTransactionsRule{count: t.RapidCount, window: t.RapidWindow},
		&repeatedPatternRule{count: t.RepeatCount},
		&blacklistActivityRule{},
		&priceChangeRule{thresholdPct: t.PriceChangePct},
		&suspiciousReasonRule{terms: t.SuspiciousTerms},
	}
}

type largeAmountRule struct {
	id        string
	kind      activity.Type
	threshold decimal.Decimal
	severity  activity.Severity
}

func (r *largeAmountRule) ID() string { return r.id }

func (r *largeAmountRule) Evaluate(act activity.Activity, _ []activity.Activity) (activity.Alert, bool) {
	if act.Type != r.kind || act.Amount.LessThan(r.threshold) {
		return activity.Alert{}, false
	}
	return makeAlert(r.id, r.severity, act,
		fmt.Sprintf("amount %s meets the %s threshold %s", act.Amount, r.id, r.threshold)), true
}

type rapidTransactionsRule struct {
	count  int
	window time.Duration
}

func (r *rapidTransactionsRule) ID() string { return "RAPID_TRANSACTIONS" }

func (r *rapidTransactionsRule) Evaluate(act activity.Activity, history []activity.Activity) (activity.Alert, bool) {
	cutoff := act.Timestamp.Add(-r.window)
	matches := 1 // the triggering activity itself
	for _, prev := range history {
		if prev.Timestamp.Before(cutoff) {
			continue
		}
		if sharesAddress(prev, act) {
			matches++
		}
	}
	if matches < r.count {
		return activity.Alert{}, false
	}
	return makeAlert(r.ID(), activity.SeverityMedium, act,
		fmt.Sprintf("%d activities sharing an address within %s", matches, r.window)), true
}

func sharesAddress(a, b activity.Activity) bool {
	if a.Actor == b.Actor {
		return true
	}
	if a.Counterparty != nil && *a.Counterparty == b.Actor {
		return true
	}
	if b.Counterparty != nil && *b.Counterparty == a.Actor {
		return true
	}
	if a.Counterparty != nil && b.Counterparty != nil && *a.Counterparty == *b.Counterparty {
		return true
	}
	return false
}

type repeatedPatternRule struct {
	count int
}

func (r *repeatedPatternRule) ID() string { return "REPEATED_PATTERN" }

func (r *repeatedPatternRule) Evaluate(act activity.Activity, history []activity.Activity) (activity.Alert, bool) {
	matches := 1
	for _, prev := range history {
		if prev.Type == act.Type && prev.Actor == act.Actor && prev.Amount.Equal(act.Amount) {
			matches++
		}
	}
	if matches < r.count {
		return activity.Alert{}, false
	}
	return makeAlert(r.ID(), activity.SeverityMedium, act,
		fmt.Sprintf("%d activities with identical type/amount/actor", matches)), true
}

type blacklistActivityRule struct{}

func (r *blacklistActivityRule) ID() string { return "BLACKLIST_ACTIVITY" }

func (r *blacklistActivityRule) Evaluate(act activity.Activity, _ []activity.Activity) (activity.Alert, bool) {
	if act.Type != activity.TypeBlacklistChange || act.BlacklistStatus == nil {
		return activity.Alert{}, false
	}
	severity := activity.SeverityMedium
	verb := "removed from"
	if *act.BlacklistStatus {
		severity = activity.SeverityHigh
		verb = "added to"
	}
	target := act.Actor
	if act.Counterparty != nil {
		target = *act.Counterparty
	}
	return makeAlert(r.ID(), severity, act,
		fmt.Sprintf("address %s %s blacklist", target.Hex(), verb)), true
}

type priceChangeRule struct {
	thresholdPct uint64
}

func (r *priceChangeRule) ID() string { return "SIGNIFICANT_PRICE_CHANGE" }

func (r *priceChangeRule) Evaluate(act activity.Activity, _ []activity.Activity) (activity.Alert, bool) {
	if act.Type != activity.TypePriceUpdate || act.OldPriceCents == 0 {
		return activity.Alert{}, false
	}
	var diff uint64
	if act.NewPriceCents > act.OldPriceCents {
		diff = act.NewPriceCents - act.OldPriceCents
	} else {
		diff = act.OldPriceCents - act.NewPriceCents
	}
	if diff*100 < act.OldPriceCents*r.thresholdPct {
		return activity.Alert{}, false
	}
	return makeAlert(r.ID(), activity.SeverityMedium, act,
		fmt.Sprintf("price moved %d -> %d cents", act.OldPriceCents, act.NewPriceCents)), true
}

type suspiciousReasonRule struct {
	terms []string
}

func (r *suspiciousReasonRule) ID() string { return "SUSPICIOUS_REASON" }

func (r *suspiciousReasonRule) Evaluate(act activity.Activity, _ []activity.Activity) (activity.Alert, bool) {
	if act.Type != activity.TypeLargeInvestmentRequest || act.Reason == "" {
		return activity.Alert{}, false
	}
	reason := strings.ToLower(act.Reason)
	for _, term := range r.terms {
		if strings.Contains(reason, term) {
			return makeAlert(r.ID(), activity.SeverityCritical, act,
				fmt.Sprintf("investment reason %q matches deny-listed term %q", act.Reason, term)), true
		}
	}
	return activity.Alert{}, false
}
