// Package stoploss implements the stepped trailing stop-loss arithmetic for a
// single holding episode.
//
// The protective floor trails the running high-water price in whole steps:
//   - below one step of profit the floor sits base_offset under entry
//   - from one step onwards it sits at entry + steps*step
//   - it never decreases within an episode and never drops below the
//     absolute minimum anchored on the first manual entry
//
// Phase2 and Phase3 additionally track the best floor ever reached and derive
// a progressive minimum 2*step below it, which survives re-entries.
//
// All prices use shopspring/decimal, never float64.
package stoploss

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

var (
	// ErrInvalidStep is returned when step <= 0.
	ErrInvalidStep = errors.New("stoploss: step must be positive")

	// ErrInvalidOffset is returned when base offset < 0.
	ErrInvalidOffset = errors.New("stoploss: base offset must not be negative")

	// ErrInvalidEarlyProtection is returned when early protection is negative
	// or not smaller than the step.
	ErrInvalidEarlyProtection = errors.New("stoploss: early protection must be in [0, step)")

	// DefaultStep is the trailing granularity in currency units.
	DefaultStep = decimal.NewFromInt(10)

	// DefaultBaseOffset is the initial distance of the floor below entry.
	DefaultBaseOffset = decimal.NewFromInt(10)
)

// Calculator implements the floor rules for one policy. It is stateless:
// episode and progressive state are passed in and returned, not stored.
type Calculator struct {
	step            decimal.Decimal
	baseOffset      decimal.Decimal
	earlyProtection decimal.Decimal
}

// NewCalculator creates a calculator. earlyProtection of zero disables the
// half-step protection variant.
func NewCalculator(step, baseOffset, earlyProtection decimal.Decimal) (*Calculator, error) {
	if step.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidStep
	}
	if baseOffset.IsNegative() {
		return nil, ErrInvalidOffset
	}
	if earlyProtection.IsNegative() || earlyProtection.GreaterThanOrEqual(step) {
		return nil, ErrInvalidEarlyProtection
	}
	return &Calculator{step: step, baseOffset: baseOffset, earlyProtection: earlyProtection}, nil
}

// Step returns the trailing granularity.
func (c *Calculator) Step() decimal.Decimal {
	return c.step
}

// BaseOffset returns the initial distance below entry.
func (c *Calculator) BaseOffset() decimal.Decimal {
	return c.baseOffset
}

// InitialFloor is the floor of a fresh episode before any profit.
func (c *Calculator) InitialFloor(entry decimal.Decimal) decimal.Decimal {
	return entry.Sub(c.baseOffset)
}

// AbsoluteMinimum is the floor that no episode may ever go below. It is
// anchored on the original manual entry, not on re-entry prices.
func (c *Calculator) AbsoluteMinimum(originalEntry decimal.Decimal) decimal.Decimal {
	return originalEntry.Sub(c.baseOffset)
}

// Candidate computes the step floor from the episode's entry and high-water:
//
//	profit < step:  entry - base_offset
//	otherwise:      entry + floor(profit/step) * step
//
// With early protection e > 0, a profit in [e, step) yields entry + e and no
// stepped floor is ever below entry + e.
func (c *Calculator) Candidate(entry, highest decimal.Decimal) decimal.Decimal {
	profit := highest.Sub(entry)
	early := c.earlyProtection.IsPositive()

	if profit.LessThan(c.step) {
		if early && profit.GreaterThanOrEqual(c.earlyProtection) {
			return entry.Add(c.earlyProtection)
		}
		return entry.Sub(c.baseOffset)
	}

	steps, _ := profit.QuoRem(c.step, 0)
	candidate := entry.Add(steps.Mul(c.step))
	if early {
		candidate = decimal.Max(candidate, entry.Add(c.earlyProtection))
	}
	return candidate
}

// Progress is the floor high-water carried across re-entry episodes.
type Progress struct {
	HighestFloorSeen decimal.Decimal
	Minimum          decimal.Decimal
}

// NewProgress starts tracking at the absolute minimum.
func NewProgress(absoluteMinimum decimal.Decimal) Progress {
	return Progress{HighestFloorSeen: absoluteMinimum, Minimum: absoluteMinimum}
}

// Input is everything Next needs for one tick.
type Input struct {
	Entry           decimal.Decimal
	Highest         decimal.Decimal
	PreviousFloor   decimal.Decimal
	AbsoluteMinimum decimal.Decimal
	Phase           model.Phase
	Progress        Progress
}

// Result is the new floor and the (possibly advanced) progress.
type Result struct {
	Floor    decimal.Decimal
	Progress Progress
}

// Next applies the phase rule for one tick.
//
// Phase1:        max(candidate, previous, absolute_min)
// Phase2/Phase3: raise highest_floor_seen to candidate when exceeded, then
//
//	progressive_min = max(absolute_min, highest_floor_seen - 2*step)
//	floor = max(candidate, previous, progressive_min, absolute_min)
func (c *Calculator) Next(in Input) Result {
	candidate := c.Candidate(in.Entry, in.Highest)
	progress := in.Progress

	if in.Phase == model.Phase2 || in.Phase == model.Phase3 {
		progress = c.advance(progress, candidate, in.AbsoluteMinimum)
		return Result{
			Floor:    decimal.Max(candidate, in.PreviousFloor, progress.Minimum, in.AbsoluteMinimum),
			Progress: progress,
		}
	}

	return Result{
		Floor:    decimal.Max(candidate, in.PreviousFloor, in.AbsoluteMinimum),
		Progress: progress,
	}
}

// ReentryFloor is the opening floor of an automatic re-entry episode. It
// never resets protection below the best level previously locked in.
func (c *Calculator) ReentryFloor(entry, absoluteMinimum decimal.Decimal, progress Progress) decimal.Decimal {
	return decimal.Max(entry.Sub(c.baseOffset), progress.Minimum, absoluteMinimum)
}

func (c *Calculator) advance(p Progress, candidate, absoluteMinimum decimal.Decimal) Progress {
	if candidate.GreaterThan(p.HighestFloorSeen) {
		p.HighestFloorSeen = candidate
	}
	band := c.step.Mul(decimal.NewFromInt(2))
	p.Minimum = decimal.Max(p.Minimum, absoluteMinimum, p.HighestFloorSeen.Sub(band))
	return p
}
