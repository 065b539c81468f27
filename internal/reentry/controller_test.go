package reentry

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 14, 9, 30, 0, 0, time.UTC)

func TestAdmit_AllGatesPass(t *testing.T) {
	c := NewController(5*time.Second, 5)

	err := c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0.Add(6 * time.Second),
		LosingStreak:     1,
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestAdmit_BelowAbsoluteFloor(t *testing.T) {
	c := NewController(5*time.Second, 5)

	err := c.Admit(Request{
		Trigger:          d(85),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0.Add(time.Hour),
	})
	if err != ErrBelowAbsoluteFloor {
		t.Errorf("expected ErrBelowAbsoluteFloor, got %v", err)
	}
}

func TestAdmit_CooldownOpen(t *testing.T) {
	c := NewController(5*time.Second, 5)

	err := c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0.Add(4999 * time.Millisecond),
	})
	if err != ErrCooldown {
		t.Errorf("expected ErrCooldown, got %v", err)
	}
}

func TestAdmit_CooldownBoundaryElapsed(t *testing.T) {
	c := NewController(5*time.Second, 5)

	err := c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0.Add(5 * time.Second),
	})
	if err != nil {
		t.Errorf("cooldown should be elapsed at exactly the window, got %v", err)
	}
}

func TestAdmit_GateOrder(t *testing.T) {
	// Every gate fails; the absolute floor must win.
	c := NewController(5*time.Second, 1)

	err := c.Admit(Request{
		Trigger:          d(80),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0,
		LosingStreak:     3,
	})
	if err != ErrBelowAbsoluteFloor {
		t.Errorf("expected absolute floor gate first, got %v", err)
	}

	// Cooldown precedes the cycle gate.
	err = c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0,
		LosingStreak:     3,
	})
	if err != ErrCooldown {
		t.Errorf("expected cooldown gate second, got %v", err)
	}
}

func TestAdmit_CycleLimit(t *testing.T) {
	c := NewController(5*time.Second, 5)

	err := c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0.Add(time.Minute),
		LosingStreak:     5,
	})
	if err != ErrCycleLimit {
		t.Errorf("expected ErrCycleLimit, got %v", err)
	}
}

func TestAdmit_CycleGateDisabled(t *testing.T) {
	c := NewController(0, 0)

	err := c.Admit(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0,
		LosingStreak:     1000,
	})
	if err != nil {
		t.Errorf("disabled gates should admit, got %v", err)
	}
}

func TestStanding_IgnoresCooldown(t *testing.T) {
	c := NewController(time.Hour, 5)

	err := c.Standing(Request{
		Trigger:          d(100),
		AbsoluteMinimum:  d(90),
		LastTransitionAt: t0,
		Now:              t0,
	})
	if err != nil {
		t.Errorf("standing check must not apply cooldown, got %v", err)
	}
}

func TestPauseReason(t *testing.T) {
	tests := []struct {
		err  error
		want model.PauseReason
	}{
		{nil, model.PauseNone},
		{ErrCooldown, model.PauseNone},
		{ErrBelowAbsoluteFloor, model.PauseReentryBelowFloor},
		{ErrCycleLimit, model.PauseReentrySuspended},
	}
	for _, tt := range tests {
		if got := PauseReason(tt.err); got != tt.want {
			t.Errorf("PauseReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNewController_ClampsNegatives(t *testing.T) {
	c := NewController(-time.Second, -3)
	if c.Cooldown != 0 || c.MaxLosingEpisodes != 0 {
		t.Errorf("expected negatives clamped to zero, got %v %d", c.Cooldown, c.MaxLosingEpisodes)
	}
}
