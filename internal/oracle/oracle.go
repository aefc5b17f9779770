package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidPrice indicates a zero price sample.
	ErrInvalidPrice = errors.New("oracle: price must be greater than zero")
	// ErrPriceTooHigh indicates a sample above the sanity ceiling.
	ErrPriceTooHigh = errors.New("oracle: price exceeds sanity ceiling")
	// ErrExcessiveChange indicates a sample too far from the previous one.
	ErrExcessiveChange = errors.New("oracle: price change exceeds maximum allowed percentage")
	// ErrCooldownNotMet indicates an update arriving before the cooldown elapsed.
	ErrCooldownNotMet = errors.New("oracle: update cooldown not met")
)

// Sample 保存当前价格样本（美分）。
type Sample struct {
	Cents       uint64
	UpdatedAt   time.Time
	UpdateCount uint64
}

// Options tune oracle guard behaviour.
type Options struct {
	// MaxCents is the absolute sanity ceiling for any sample.
	MaxCents uint64
	// MaxChangePct bounds |new-old|/old between successive samples.
	MaxChangePct uint64
	// Cooldown is the minimum spacing between accepted updates.
	Cooldown time.Duration
	// ValidityWindow bounds how long a sample stays trustworthy.
	ValidityWindow time.Duration
}

// Updated describes an accepted price transition.
type Updated struct {
	OldCents uint64
	NewCents uint64
	Count    uint64
	At       time.Time
}

// Oracle holds the single authoritative price sample.
type Oracle struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	sample Sample

	now func() time.Time
}

// New constructs an Oracle. Zeroed options fall back to defaults.
func New(opts Options, logger zerolog.Logger) *Oracle {
	if opts.MaxCents == 0 {
		opts.MaxCents = 10_000_000 // $100,000
	}
	if opts.MaxChangePct == 0 {
		opts.MaxChangePct = 50
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.ValidityWindow <= 0 {
		opts.ValidityWindow = 4 * time.Hour
	}
	return &Oracle{
		opts:   opts,
		logger: logger.With().Str("component", "oracle").Logger(),
		now:    time.Now,
	}
}

// Update validates and commits a new price sample. The commit is
// all-or-nothing; on any error the previous sample is untouched.
func (o *Oracle) Update(newCents uint64) (Updated, error) {
	if newCents == 0 {
		return Updated{}, ErrInvalidPrice
	}
	if newCents > o.opts.MaxCents {
		return Updated{}, ErrPriceTooHigh
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	prev := o.sample

	if prev.UpdateCount > 0 {
		if elapsed := now.Sub(prev.UpdatedAt); elapsed < o.opts.Cooldown {
			return Updated{}, ErrCooldownNotMet
		}
		if exceedsChange(prev.Cents, newCents, o.opts.MaxChangePct) {
			return Updated{}, ErrExcessiveChange
		}
	}

	o.sample = Sample{
		Cents:       newCents,
		UpdatedAt:   now,
		UpdateCount: prev.UpdateCount + 1,
	}

	event := Updated{
		OldCents: prev.Cents,
		NewCents: newCents,
		Count:    o.sample.UpdateCount,
		At:       now,
	}

	o.logger.Info().
		Uint64("old_cents", prev.Cents).
		Uint64("new_cents", newCents).
		Uint64("update_count", event.Count).
		Msg("price sample accepted")

	return event, nil
}

// Snapshot returns a copy of the current sample.
func (o *Oracle) Snapshot() Sample {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sample
}

// IsValid reports whether the current sample is trustworthy for
// financial decisions, together with its age. Read-only.
func (o *Oracle) IsValid() (bool, time.Duration) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.sample.UpdateCount == 0 {
		return false, 0
	}
	age := o.now().Sub(o.sample.UpdatedAt)
	return age <= o.opts.ValidityWindow, age
}

// ValidityWindow exposes the configured staleness bound.
func (o *Oracle) ValidityWindow() time.Duration {
	return o.opts.ValidityWindow
}

func exceedsChange(old, new uint64, maxPct uint64) bool {
	if old == 0 {
		return false
	}
	var diff uint64
	if new > old {
		diff = new - old
	} else {
		diff = old - new
	}
	// diff/old > maxPct/100, kept in integer math.
	return diff*100 > old*maxPct
}
