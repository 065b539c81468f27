// Package reentry implements the safety gates that stand between a pending
// re-entry trigger match and an automatic buy.
//
// After a protective exit the position waits for price to recover to the
// episode's entry price. A match alone is not enough: the gates below are
// applied in order and the first failure wins.
//
//  1. Absolute floor: a trigger below the absolute minimum floor is a
//     configuration problem and pauses re-entry for good.
//  2. Cooldown: matches within a short window after the last transition are
//     ignored, so a price hovering at the trigger cannot oscillate.
//  3. Cycle count: after N consecutive losing episodes automatic re-entry is
//     suspended until someone resumes it.
package reentry

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

var (
	// ErrBelowAbsoluteFloor is returned when the re-entry trigger sits below
	// the absolute minimum floor. Not retryable.
	ErrBelowAbsoluteFloor = errors.New("reentry: trigger below absolute minimum floor")

	// ErrCooldown is returned while the cooldown window is still open.
	ErrCooldown = errors.New("reentry: cooldown has not elapsed")

	// ErrCycleLimit is returned when the losing-episode limit has been hit.
	ErrCycleLimit = errors.New("reentry: losing episode limit reached")
)

// Controller holds the re-entry policy.
type Controller struct {
	// Cooldown is the minimum time between the last exit or re-entry and
	// the next automatic re-entry, measured on tick timestamps.
	Cooldown time.Duration

	// MaxLosingEpisodes suspends automatic re-entry after this many
	// consecutive exits without profit. Zero disables the gate.
	MaxLosingEpisodes int
}

// NewController creates a controller with the given cooldown and
// losing-episode limit.
func NewController(cooldown time.Duration, maxLosingEpisodes int) *Controller {
	if cooldown < 0 {
		cooldown = 0
	}
	if maxLosingEpisodes < 0 {
		maxLosingEpisodes = 0
	}
	return &Controller{
		Cooldown:          cooldown,
		MaxLosingEpisodes: maxLosingEpisodes,
	}
}

// Request describes one pending position at the time of a tick.
type Request struct {
	Trigger          decimal.Decimal
	AbsoluteMinimum  decimal.Decimal
	LastTransitionAt time.Time
	Now              time.Time
	LosingStreak     int
}

// Admit applies every gate in order and returns nil when the re-entry may
// proceed.
func (c *Controller) Admit(r Request) error {
	// 1. Absolute floor.
	if r.Trigger.LessThan(r.AbsoluteMinimum) {
		return ErrBelowAbsoluteFloor
	}

	// 2. Cooldown.
	if r.Now.Sub(r.LastTransitionAt) < c.Cooldown {
		return ErrCooldown
	}

	// 3. Cycle count.
	if c.limitReached(r.LosingStreak) {
		return ErrCycleLimit
	}

	return nil
}

// Standing applies only the durable gates. It is evaluated right after an
// exit so a paused position is visible before any recovery tick arrives.
func (c *Controller) Standing(r Request) error {
	if r.Trigger.LessThan(r.AbsoluteMinimum) {
		return ErrBelowAbsoluteFloor
	}
	if c.limitReached(r.LosingStreak) {
		return ErrCycleLimit
	}
	return nil
}

// PauseReason maps a gate failure to the durable pause it causes. Cooldown
// and nil map to PauseNone.
func PauseReason(err error) model.PauseReason {
	switch {
	case errors.Is(err, ErrBelowAbsoluteFloor):
		return model.PauseReentryBelowFloor
	case errors.Is(err, ErrCycleLimit):
		return model.PauseReentrySuspended
	default:
		return model.PauseNone
	}
}

func (c *Controller) limitReached(streak int) bool {
	return c.MaxLosingEpisodes > 0 && streak >= c.MaxLosingEpisodes
}
