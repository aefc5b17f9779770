package activity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies an observed activity record.
type Type string

const (
	TypeTransfer               Type = "transfer"
	TypeInvestment             Type = "investment"
	TypeLargeInvestmentRequest Type = "large_investment_request"
	TypeLargeInvestmentApprove Type = "large_investment_approval"
	TypeWithdrawalRequest      Type = "withdrawal_request"
	TypeWithdrawalApprove      Type = "withdrawal_approval"
	TypeBlacklistChange        Type = "blacklist_change"
	TypePriceUpdate            Type = "price_update"
	TypePriceDiscrepancy       Type = "price_discrepancy"
	TypeEmergencyWithdrawal    Type = "emergency_withdrawal"
	TypePauseChange            Type = "pause_change"
)

// Activity 是追加式的活动记录，创建后不可变更。
type Activity struct {
	ID           string
	Type         Type
	Actor        common.Address
	Counterparty *common.Address
	Amount       decimal.Decimal
	QuoteCents   uint64
	Reason       string

	// Blacklist status for blacklist_change records.
	BlacklistStatus *bool
	// Price transition for price_update / price_discrepancy records.
	OldPriceCents uint64
	NewPriceCents uint64

	// Quorum request this record refers to, when applicable.
	RequestID *common.Hash

	Timestamp time.Time
}

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is derived from an Activity by a matching rule. Never mutated
// after creation.
type Alert struct {
	ID          string
	RuleID      string
	Severity    Severity
	Description string
	Source      Activity
	CreatedAt   time.Time
}

// New constructs an activity record with a fresh ID and timestamp.
func New(kind Type, actor common.Address, ts time.Time) Activity {
	return Activity{
		ID:        uuid.NewString(),
		Type:      kind,
		Actor:     actor,
		Timestamp: ts,
	}
}
