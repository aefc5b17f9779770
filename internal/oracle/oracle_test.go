package oracle

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestOracle(opts Options) (*Oracle, *time.Time) {
	o := New(opts, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	return o, &now
}

func TestUpdateRejectsZeroPrice(t *testing.T) {
	o, _ := newTestOracle(Options{})
	if _, err := o.Update(0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestUpdateRejectsCeiling(t *testing.T) {
	o, _ := newTestOracle(Options{MaxCents: 100_000})
	if _, err := o.Update(100_001); !errors.Is(err, ErrPriceTooHigh) {
		t.Fatalf("expected ErrPriceTooHigh, got %v", err)
	}
}

func TestFirstUpdateExemptFromDriftGuard(t *testing.T) {
	o, _ := newTestOracle(Options{})
	event, err := o.Update(2000)
	if err != nil {
		t.Fatalf("first update should succeed: %v", err)
	}
	if event.OldCents != 0 || event.NewCents != 2000 || event.Count != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestUpdateBoundsDrift(t *testing.T) {
	o, now := newTestOracle(Options{MaxChangePct: 50})
	if _, err := o.Update(2000); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	*now = now.Add(2 * time.Hour)

	// 150% change is rejected and the sample is untouched.
	if _, err := o.Update(5000); !errors.Is(err, ErrExcessiveChange) {
		t.Fatalf("expected ErrExcessiveChange, got %v", err)
	}
	if got := o.Snapshot().Cents; got != 2000 {
		t.Fatalf("sample mutated on rejected update: %d", got)
	}

	// 25% change is fine.
	event, err := o.Update(2500)
	if err != nil {
		t.Fatalf("reasonable change rejected: %v", err)
	}
	if event.NewCents != 2500 || event.Count != 2 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestUpdateEnforcesCooldown(t *testing.T) {
	o, now := newTestOracle(Options{Cooldown: time.Hour})
	if _, err := o.Update(2500); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	*now = now.Add(30 * time.Minute)
	if _, err := o.Update(2600); !errors.Is(err, ErrCooldownNotMet) {
		t.Fatalf("expected ErrCooldownNotMet, got %v", err)
	}

	*now = now.Add(31 * time.Minute)
	if _, err := o.Update(2600); err != nil {
		t.Fatalf("update after cooldown failed: %v", err)
	}
}

func TestIsValidTracksStaleness(t *testing.T) {
	o, now := newTestOracle(Options{ValidityWindow: 4 * time.Hour})

	if valid, _ := o.IsValid(); valid {
		t.Fatal("unset sample must be invalid")
	}

	if _, err := o.Update(2000); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	valid, age := o.IsValid()
	if !valid || age != 0 {
		t.Fatalf("fresh sample should be valid, age=%v", age)
	}

	*now = now.Add(5 * time.Hour)
	valid, age = o.IsValid()
	if valid {
		t.Fatal("sample older than validity window must be invalid")
	}
	if age != 5*time.Hour {
		t.Fatalf("unexpected age %v", age)
	}
}
