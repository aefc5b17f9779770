package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityRecord is a persisted ledger activity.
type ActivityRecord struct {
	ID              string
	Kind            string
	Actor           string
	Counterparty    *string
	Amount          decimal.Decimal
	QuoteCents      int64
	Reason          *string
	BlacklistStatus *bool
	OldPriceCents   int64
	NewPriceCents   int64
	RequestID       *string
	OccurredAt      time.Time
	CreatedAt       time.Time
}

// AlertRecord captures an emitted alert for auditing and replay.
type AlertRecord struct {
	ID          int64
	RuleID      string
	Severity    string
	Description string
	ActivityID  string
	OccurredAt  time.Time
	CreatedAt   time.Time
}

// RequestRecord mirrors a multi-signature approval request.
type RequestRecord struct {
	ID         string
	Kind       string
	Recipient  string
	Amount     decimal.Decimal
	Reason     string
	Approvals  []string
	Executed   bool
	TxHash     *string
	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// PriceSample represents one accepted oracle price point.
type PriceSample struct {
	Bucket      time.Time
	PriceCents  int64
	Source      string
	UpdateCount int64
	CreatedAt   time.Time
}
