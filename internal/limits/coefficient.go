package limits

import (
	"time"

	"github.com/shopspring/decimal"
)

// Period identifies the sale phase the coefficient belongs to.
type Period int

const (
	PeriodMVP Period = iota + 1
	PeriodRelease
	PeriodStandard
)

func (p Period) String() string {
	switch p {
	case PeriodMVP:
		return "mvp"
	case PeriodRelease:
		return "release"
	default:
		return "standard"
	}
}

// baseExchangeRate 为每单位对应的基础代币数量。
const baseExchangeRate = 100

// Periods holds the sale phase deadlines. Zero deadlines disable the
// corresponding bonus phase.
type Periods struct {
	MVPDeadline     time.Time
	ReleaseDeadline time.Time
}

// Coefficient returns the bonus multiplier for the phase containing now:
// x10 during MVP, x5 until release, x1 afterwards.
func (p Periods) Coefficient(now time.Time) (int64, Period) {
	if !p.MVPDeadline.IsZero() && now.Before(p.MVPDeadline) {
		return 10, PeriodMVP
	}
	if !p.ReleaseDeadline.IsZero() && now.Before(p.ReleaseDeadline) {
		return 5, PeriodRelease
	}
	return 1, PeriodStandard
}

// TokenAmount computes the token grant for an invested amount at now.
func (p Periods) TokenAmount(amount decimal.Decimal, now time.Time) decimal.Decimal {
	coeff, _ := p.Coefficient(now)
	return amount.Mul(decimal.NewFromInt(baseExchangeRate)).Mul(decimal.NewFromInt(coeff))
}
