package limits

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"saleguard/internal/oracle"
)

var (
	// ErrAmountTooLarge indicates an amount whose quote overflows the
	// fixed-point range.
	ErrAmountTooLarge = errors.New("limits: amount too large")
	// ErrOverflow indicates a quote outside the representable range.
	ErrOverflow = errors.New("limits: arithmetic overflow")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("limits: amount must be greater than zero")
	// ErrStalePrice indicates classification was attempted without a
	// currently valid price sample.
	ErrStalePrice = errors.New("limits: price sample stale or unset")
)

// Class is the routing decision for a transaction amount.
type Class int

const (
	Rejected Class = iota
	Standard
	RequiresQuorum
)

func (c Class) String() string {
	switch c {
	case Standard:
		return "standard"
	case RequiresQuorum:
		return "requires_quorum"
	default:
		return "rejected"
	}
}

// maxQuoteCents bounds quote arithmetic; anything above is treated as an
// overflow rather than silently truncated.
var maxQuoteCents = decimal.NewFromInt(math.MaxInt64)

// Bounds holds the configured USD limits, in cents.
type Bounds struct {
	MinCents   uint64
	MaxCents   uint64
	LargeCents uint64
}

// DefaultBounds mirror the production sale configuration:
// min $20, max $1,000,000, quorum above $100,000.
func DefaultBounds() Bounds {
	return Bounds{
		MinCents:   2_000,
		MaxCents:   100_000_000,
		LargeCents: 10_000_000,
	}
}

// Validate fails fast on a nonsensical configuration.
func (b Bounds) Validate() error {
	if b.MinCents == 0 || b.MaxCents == 0 || b.LargeCents == 0 {
		return errors.New("limits: all USD bounds must be greater than zero")
	}
	if b.MinCents >= b.MaxCents {
		return errors.New("limits: min bound must be below max bound")
	}
	if b.LargeCents > b.MaxCents || b.LargeCents <= b.MinCents {
		return errors.New("limits: large threshold must sit between min and max")
	}
	return nil
}

// ToQuote converts a native amount to USD cents at the sampled price.
func ToQuote(amount decimal.Decimal, sample oracle.Sample) (uint64, error) {
	if amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if sample.Cents == 0 {
		return 0, ErrStalePrice
	}

	quote := amount.Mul(decimal.NewFromUint64(sample.Cents)).Round(0)
	if quote.GreaterThan(maxQuoteCents) {
		return 0, ErrAmountTooLarge
	}
	return uint64(quote.IntPart()), nil
}

// FromQuote converts USD cents back to a native amount.
func FromQuote(cents uint64, sample oracle.Sample) (decimal.Decimal, error) {
	if cents == 0 {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if cents > math.MaxInt64 {
		return decimal.Decimal{}, ErrOverflow
	}
	if sample.Cents == 0 {
		return decimal.Decimal{}, ErrStalePrice
	}
	return decimal.NewFromUint64(cents).DivRound(decimal.NewFromUint64(sample.Cents), 18), nil
}

// PriceSource is the oracle surface the calculator depends on.
type PriceSource interface {
	Snapshot() oracle.Sample
	IsValid() (bool, time.Duration)
}

// Calculator classifies transaction amounts against USD bounds using the
// currently valid oracle price.
type Calculator struct {
	bounds Bounds
	source PriceSource
}

// NewCalculator wires bounds to a price source.
func NewCalculator(bounds Bounds, source PriceSource) (*Calculator, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("limits: price source is required")
	}
	return &Calculator{bounds: bounds, source: source}, nil
}

// Bounds returns the configured USD bounds.
func (c *Calculator) Bounds() Bounds { return c.bounds }

// Classify routes an amount. When the price source reports an invalid or
// stale sample it fails closed: Rejected with ErrStalePrice, never a
// fallback price.
func (c *Calculator) Classify(amount decimal.Decimal) (Class, uint64, error) {
	if valid, _ := c.source.IsValid(); !valid {
		return Rejected, 0, ErrStalePrice
	}

	quote, err := ToQuote(amount, c.source.Snapshot())
	if err != nil {
		return Rejected, 0, err
	}

	switch {
	case quote < c.bounds.MinCents:
		return Rejected, quote, nil
	case quote > c.bounds.MaxCents:
		return Rejected, quote, nil
	case quote >= c.bounds.LargeCents:
		return RequiresQuorum, quote, nil
	default:
		return Standard, quote, nil
	}
}

// NativeLimits reports the current bounds converted to native units.
func (c *Calculator) NativeLimits() (min, max, large decimal.Decimal, err error) {
	if valid, _ := c.source.IsValid(); !valid {
		return min, max, large, ErrStalePrice
	}
	sample := c.source.Snapshot()

	if min, err = FromQuote(c.bounds.MinCents, sample); err != nil {
		return
	}
	if max, err = FromQuote(c.bounds.MaxCents, sample); err != nil {
		return
	}
	large, err = FromQuote(c.bounds.LargeCents, sample)
	return
}
