// Package position owns the lifecycle of one monitored position.
//
// A Position is always in exactly one of two live states, Holding or
// PendingReentry, each carrying only the fields valid for it. Flat is the
// absence of a Position: a manual sell removes it from monitoring.
//
// Positions are not safe for concurrent use. The engine serialises every
// call per instrument.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/reentry"
	"github.com/optguard/position-engine/internal/stoploss"
)

type lifecycle interface {
	state() model.LifecycleState
}

// Holding is a live episode with quantity in the market.
type Holding struct {
	Entry    decimal.Decimal
	Highest  decimal.Decimal
	Floor    decimal.Decimal
	Phase    model.Phase
	Quantity int64
	Override *Override
}

func (*Holding) state() model.LifecycleState { return model.StateHolding }

// Override is an externally set floor. While unexpired it replaces the
// computed floor.
type Override struct {
	Floor decimal.Decimal
	SetAt time.Time
}

// PendingReentry follows a protective exit. The position waits for price to
// recover to Trigger.
type PendingReentry struct {
	Trigger     decimal.Decimal
	ExitPrice   decimal.Decimal
	EpisodeHigh decimal.Decimal
	// ExitPhase is the phase of the episode at the exiting tick.
	ExitPhase   model.Phase
	Paused      model.PauseReason
}

func (*PendingReentry) state() model.LifecycleState { return model.StatePendingReentry }

// Outcome reports what a tick did besides mutating state.
type Outcome struct {
	// Intent is set when the tick caused an exit or a re-entry. The ID is
	// left empty for the caller to assign.
	Intent *model.Intent

	// Paused is the durable pause the position is in after the tick.
	Paused model.PauseReason

	// OverrideExpired is set on the tick that retired a manual floor.
	OverrideExpired bool

	// Deferred is the non-durable gate that held back a re-entry.
	Deferred error
}

// Position is the state of one monitored instrument.
type Position struct {
	instrumentID string
	policy       model.Policy
	calc         *stoploss.Calculator
	gates        *reentry.Controller

	originalEntry   decimal.NullDecimal
	absoluteMinimum decimal.NullDecimal
	progress        stoploss.Progress
	standardLot     int64
	episodes        int
	losingStreak    int

	current        decimal.Decimal
	lastTick       time.Time
	lastTransition time.Time
	updatedAt      time.Time

	lc lifecycle
}

// Open records a manual buy and starts monitoring in Holding. Entry and
// original entry are both set to price. The buy time does not order ticks:
// the first tick is accepted whatever its timestamp.
func Open(instrumentID string, price decimal.Decimal, quantity int64, at time.Time, policy model.Policy) (*Position, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	calc, gates, err := bind(policy)
	if err != nil {
		return nil, err
	}

	absMin := calc.AbsoluteMinimum(price)
	return &Position{
		instrumentID:    instrumentID,
		policy:          policy,
		calc:            calc,
		gates:           gates,
		originalEntry:   decimal.NewNullDecimal(price),
		absoluteMinimum: decimal.NewNullDecimal(absMin),
		progress:        stoploss.NewProgress(absMin),
		standardLot:     quantity,
		current:         price,
		lastTransition:  at,
		updatedAt:       at,
		lc: &Holding{
			Entry:    price,
			Highest:  price,
			Floor:    calc.InitialFloor(price),
			Phase:    model.Phase1,
			Quantity: quantity,
		},
	}, nil
}

// InstrumentID returns the monitored instrument.
func (p *Position) InstrumentID() string { return p.instrumentID }

// Policy returns the policy bound at creation.
func (p *Position) Policy() model.Policy { return p.policy }

// State returns the lifecycle state.
func (p *Position) State() model.LifecycleState { return p.lc.state() }

// Episodes returns the number of completed protective exits.
func (p *Position) Episodes() int { return p.episodes }

// LosingStreak returns the consecutive exits without profit.
func (p *Position) LosingStreak() int { return p.losingStreak }

// Holding returns a copy of the live episode, or false when pending.
func (p *Position) Holding() (Holding, bool) {
	h, ok := p.lc.(*Holding)
	if !ok {
		return Holding{}, false
	}
	return *h, true
}

// Pending returns a copy of the pending re-entry, or false when holding.
func (p *Position) Pending() (PendingReentry, bool) {
	pr, ok := p.lc.(*PendingReentry)
	if !ok {
		return PendingReentry{}, false
	}
	return *pr, true
}

// Snapshot returns the read-only view for presentation. While pending the
// entry is the re-entry trigger, the floor is the exit price and the phase
// is the one the exited episode ended in.
func (p *Position) Snapshot() model.Snapshot {
	s := model.Snapshot{
		InstrumentID:         p.instrumentID,
		LifecycleState:       p.lc.state(),
		CurrentPrice:         p.current,
		AbsoluteMinimumFloor: p.absoluteMinimum.Decimal,
		ProgressiveMinimum:   p.progress.Minimum,
		EpisodeCount:         p.episodes,
		UpdatedAt:            p.updatedAt,
	}

	switch lc := p.lc.(type) {
	case *Holding:
		s.Phase = lc.Phase
		s.EntryPrice = lc.Entry
		s.HighestPriceSeen = lc.Highest
		s.ProtectiveFloor = lc.Floor
		s.Quantity = lc.Quantity
		s.OverrideActive = lc.Override != nil
	case *PendingReentry:
		trigger := lc.Trigger
		s.EntryPrice = trigger
		s.Phase = lc.ExitPhase
		s.HighestPriceSeen = lc.EpisodeHigh
		s.ProtectiveFloor = lc.ExitPrice
		s.PendingReentryTrigger = &trigger
		s.Paused = lc.Paused
	}
	return s
}

func (p *Position) anchored() bool {
	return p.originalEntry.Valid && p.absoluteMinimum.Valid
}
