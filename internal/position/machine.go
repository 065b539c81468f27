package position

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/reentry"
	"github.com/optguard/position-engine/internal/stoploss"
)

// OnTick applies one price update. A rejected tick leaves state untouched.
func (p *Position) OnTick(price decimal.Decimal, at time.Time) (Outcome, error) {
	if !price.IsPositive() {
		return Outcome{}, ErrInvalidPrice
	}
	if at.Before(p.lastTick) {
		return Outcome{}, ErrOutOfOrderTick
	}
	if !p.anchored() {
		return Outcome{}, ErrMissingOriginalEntry
	}

	p.current = price
	p.lastTick = at
	p.updatedAt = at

	switch lc := p.lc.(type) {
	case *Holding:
		return p.tickHolding(lc, price, at), nil
	case *PendingReentry:
		return p.tickPending(lc, price, at), nil
	default:
		return Outcome{}, ErrUnknownState
	}
}

func (p *Position) tickHolding(h *Holding, price decimal.Decimal, at time.Time) Outcome {
	var out Outcome

	if h.Override != nil {
		if at.Sub(h.Override.SetAt) < p.policy.OverrideTTL {
			if price.LessThanOrEqual(h.Floor) {
				return p.exit(h, at, model.ReasonManualOverrideStop)
			}
			return out
		}
		h.Override = nil
		out.OverrideExpired = true
	}

	h.Highest = decimal.Max(h.Highest, price)
	h.Phase = stoploss.Classify(h.Entry, price)

	res := p.calc.Next(stoploss.Input{
		Entry:           h.Entry,
		Highest:         h.Highest,
		PreviousFloor:   h.Floor,
		AbsoluteMinimum: p.absoluteMinimum.Decimal,
		Phase:           h.Phase,
		Progress:        p.progress,
	})
	h.Floor = res.Floor
	p.progress = res.Progress

	if price.LessThanOrEqual(h.Floor) {
		exit := p.exit(h, at, exitReason(h))
		exit.OverrideExpired = out.OverrideExpired
		return exit
	}
	return out
}

// exit sells the whole holding at the floor. A gap through the floor is
// still recorded at the floor price.
func (p *Position) exit(h *Holding, at time.Time, reason string) Outcome {
	sellPrice := h.Floor

	p.episodes++
	if sellPrice.LessThanOrEqual(h.Entry) {
		p.losingStreak++
	} else {
		p.losingStreak = 0
	}
	p.lastTransition = at

	pending := &PendingReentry{
		Trigger:     h.Entry,
		ExitPrice:   sellPrice,
		EpisodeHigh: h.Highest,
		ExitPhase:   h.Phase,
	}
	pending.Paused = reentry.PauseReason(p.gates.Standing(p.reentryRequest(pending, at)))
	p.lc = pending

	return Outcome{
		Intent: &model.Intent{
			InstrumentID: p.instrumentID,
			Side:         model.SideSell,
			Price:        sellPrice,
			Quantity:     h.Quantity,
			Reason:       reason,
			Episode:      p.episodes,
			Timestamp:    at,
		},
		Paused: pending.Paused,
	}
}

func (p *Position) tickPending(pr *PendingReentry, price decimal.Decimal, at time.Time) Outcome {
	if pr.Paused != model.PauseNone || price.LessThan(pr.Trigger) {
		return Outcome{Paused: pr.Paused}
	}

	if err := p.gates.Admit(p.reentryRequest(pr, at)); err != nil {
		if reason := reentry.PauseReason(err); reason != model.PauseNone {
			pr.Paused = reason
			return Outcome{Paused: reason}
		}
		return Outcome{Deferred: err}
	}

	entry := pr.Trigger
	p.lastTransition = at
	p.lc = &Holding{
		Entry:    entry,
		Highest:  entry,
		Floor:    p.calc.ReentryFloor(entry, p.absoluteMinimum.Decimal, p.progress),
		Phase:    stoploss.Classify(entry, price),
		Quantity: p.standardLot,
	}

	return Outcome{
		Intent: &model.Intent{
			InstrumentID: p.instrumentID,
			Side:         model.SideBuy,
			Price:        entry,
			Quantity:     p.standardLot,
			Reason:       model.ReasonReentry,
			Episode:      p.episodes + 1,
			Timestamp:    at,
		},
	}
}

func (p *Position) reentryRequest(pr *PendingReentry, at time.Time) reentry.Request {
	return reentry.Request{
		Trigger:          pr.Trigger,
		AbsoluteMinimum:  p.absoluteMinimum.Decimal,
		LastTransitionAt: p.lastTransition,
		Now:              at,
		LosingStreak:     p.losingStreak,
	}
}

func exitReason(h *Holding) string {
	if h.Floor.GreaterThan(h.Entry) {
		return model.ReasonTrailingStop
	}
	return model.ReasonStopLoss
}

// OverrideFloor sets a manual floor that takes effect immediately and
// suppresses floor computation until the policy's override TTL has passed
// on tick time.
func (p *Position) OverrideFloor(floor decimal.Decimal, at time.Time) error {
	if !floor.IsPositive() {
		return ErrInvalidPrice
	}
	if !p.anchored() {
		return ErrMissingOriginalEntry
	}
	h, ok := p.lc.(*Holding)
	if !ok {
		return ErrNotHolding
	}
	if floor.LessThan(p.absoluteMinimum.Decimal) {
		return ErrOverrideBelowFloor
	}

	// Expiry is measured on tick time, so never start the clock behind the
	// last applied tick.
	if at.Before(p.lastTick) {
		at = p.lastTick
	}
	h.Override = &Override{Floor: floor, SetAt: at}
	h.Floor = floor
	p.updatedAt = at
	return nil
}

// ResumeReentry lifts a losing-streak suspension. A trigger below the
// absolute floor cannot be resumed.
func (p *Position) ResumeReentry(at time.Time) error {
	pr, ok := p.lc.(*PendingReentry)
	if !ok || pr.Paused != model.PauseReentrySuspended {
		return ErrNotSuspended
	}
	pr.Paused = model.PauseNone
	p.losingStreak = 0
	p.updatedAt = at
	return nil
}

// IsDeferred reports whether err is a non-durable re-entry hold.
func IsDeferred(err error) bool {
	return errors.Is(err, reentry.ErrCooldown)
}
