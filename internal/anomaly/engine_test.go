package anomaly

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saleguard/internal/activity"
)

var (
	whale    = common.HexToAddress("0xabc")
	receiver = common.HexToAddress("0xdef")
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultRules(DefaultThresholds()), 100, zerolog.Nop())
}

func act(kind activity.Type, actor common.Address, amount string, ts time.Time) activity.Activity {
	a := activity.New(kind, actor, ts)
	a.Amount = decimal.RequireFromString(amount)
	return a
}

func ruleIDs(alerts []activity.Alert) []string {
	ids := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		ids = append(ids, alert.RuleID)
	}
	return ids
}

func TestLargeTransferRule(t *testing.T) {
	e := newEngine(t)
	now := time.Now()

	assert.Empty(t, e.Observe(act(activity.TypeTransfer, whale, "999", now)))

	alerts := e.Observe(act(activity.TypeTransfer, whale, "1000", now))
	require.Len(t, alerts, 1)
	assert.Equal(t, "LARGE_TRANSFER", alerts[0].RuleID)
	assert.Equal(t, activity.SeverityHigh, alerts[0].Severity)
}

func TestLargeInvestmentRule(t *testing.T) {
	e := newEngine(t)
	now := time.Now()

	assert.Empty(t, e.Observe(act(activity.TypeInvestment, whale, "99", now)))

	alerts := e.Observe(act(activity.TypeInvestment, whale, "100", now))
	require.Len(t, alerts, 1)
	assert.Equal(t, "LARGE_INVESTMENT", alerts[0].RuleID)
}

func TestRapidTransactionsRule(t *testing.T) {
	e := newEngine(t)
	base := time.Now()

	// Nine prior transfers within the hour; the tenth trips the rule.
	for i := 0; i < 9; i++ {
		alerts := e.Observe(act(activity.TypeTransfer, whale, "1", base.Add(time.Duration(i)*time.Minute)))
		assert.NotContains(t, ruleIDs(alerts), "RAPID_TRANSACTIONS")
	}

	alerts := e.Observe(act(activity.TypeTransfer, whale, "2", base.Add(10*time.Minute)))
	assert.Contains(t, ruleIDs(alerts), "RAPID_TRANSACTIONS")
}

func TestRapidTransactionsIgnoresOldWindow(t *testing.T) {
	e := newEngine(t)
	base := time.Now()

	for i := 0; i < 9; i++ {
		e.Observe(act(activity.TypeTransfer, whale, "1", base.Add(time.Duration(i)*time.Minute)))
	}

	// Two hours later the earlier burst is out of the window.
	alerts := e.Observe(act(activity.TypeTransfer, whale, "2", base.Add(2*time.Hour)))
	assert.NotContains(t, ruleIDs(alerts), "RAPID_TRANSACTIONS")
}

func TestRepeatedPatternRule(t *testing.T) {
	e := newEngine(t)
	base := time.Now()

	for i := 0; i < 4; i++ {
		alerts := e.Observe(act(activity.TypeInvestment, whale, "7", base.Add(time.Duration(i)*time.Hour)))
		assert.NotContains(t, ruleIDs(alerts), "REPEATED_PATTERN")
	}

	alerts := e.Observe(act(activity.TypeInvestment, whale, "7", base.Add(5*time.Hour)))
	assert.Contains(t, ruleIDs(alerts), "REPEATED_PATTERN")
}

func TestBlacklistActivityAlwaysAlerts(t *testing.T) {
	e := newEngine(t)

	added := activity.New(activity.TypeBlacklistChange, whale, time.Now())
	added.Counterparty = &receiver
	status := true
	added.BlacklistStatus = &status

	alerts := e.Observe(added)
	require.Len(t, alerts, 1)
	assert.Equal(t, "BLACKLIST_ACTIVITY", alerts[0].RuleID)
	assert.Equal(t, activity.SeverityHigh, alerts[0].Severity)

	removed := activity.New(activity.TypeBlacklistChange, whale, time.Now())
	removed.Counterparty = &receiver
	off := false
	removed.BlacklistStatus = &off

	alerts = e.Observe(removed)
	require.Len(t, alerts, 1)
	assert.Equal(t, activity.SeverityMedium, alerts[0].Severity)
}

func TestSignificantPriceChangeRule(t *testing.T) {
	e := newEngine(t)

	small := activity.New(activity.TypePriceUpdate, whale, time.Now())
	small.OldPriceCents = 2000
	small.NewPriceCents = 2300 // 15%
	assert.Empty(t, e.Observe(small))

	big := activity.New(activity.TypePriceUpdate, whale, time.Now())
	big.OldPriceCents = 2000
	big.NewPriceCents = 2400 // 20%
	alerts := e.Observe(big)
	require.Len(t, alerts, 1)
	assert.Equal(t, "SIGNIFICANT_PRICE_CHANGE", alerts[0].RuleID)

	// First-ever sample has no previous price to compare against.
	first := activity.New(activity.TypePriceUpdate, whale, time.Now())
	first.OldPriceCents = 0
	first.NewPriceCents = 2000
	assert.Empty(t, e.Observe(first))
}

func TestSuspiciousReasonRule(t *testing.T) {
	e := newEngine(t)

	benign := activity.New(activity.TypeLargeInvestmentRequest, whale, time.Now())
	benign.Amount = decimal.NewFromInt(1)
	benign.Reason = "expansion round"
	assert.Empty(t, e.Observe(benign))

	shady := activity.New(activity.TypeLargeInvestmentRequest, whale, time.Now())
	shady.Amount = decimal.NewFromInt(1)
	shady.Reason = "funding the Exploit team"
	alerts := e.Observe(shady)
	require.Len(t, alerts, 1)
	assert.Equal(t, "SUSPICIOUS_REASON", alerts[0].RuleID)
	assert.Equal(t, activity.SeverityCritical, alerts[0].Severity)
}

func TestOneActivityMayMatchMultipleRules(t *testing.T) {
	e := newEngine(t)
	base := time.Now()

	for i := 0; i < 4; i++ {
		e.Observe(act(activity.TypeTransfer, whale, "5000", base.Add(time.Duration(i)*time.Minute)))
	}
	// Fifth identical large transfer: large-transfer + repeated-pattern.
	alerts := e.Observe(act(activity.TypeTransfer, whale, "5000", base.Add(4*time.Minute)))

	ids := ruleIDs(alerts)
	assert.Contains(t, ids, "LARGE_TRANSFER")
	assert.Contains(t, ids, "REPEATED_PATTERN")
}

func TestRingEvictsOldest(t *testing.T) {
	r := newRing(3)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		r.push(act(activity.TypeTransfer, whale, decimal.NewFromInt(int64(i)).String(), now))
	}

	items := r.items()
	require.Len(t, items, 3)
	assert.Equal(t, "3", items[0].Amount.String())
	assert.Equal(t, "5", items[2].Amount.String())
	assert.Equal(t, 3, r.len())
}
