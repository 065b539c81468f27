package position

import (
	"fmt"

	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/stoploss"
)

// Record flattens the position for persistence.
func (p *Position) Record() model.PositionRecord {
	rec := model.PositionRecord{
		InstrumentID:       p.instrumentID,
		State:              p.lc.state(),
		Policy:             p.policy,
		OriginalEntry:      p.originalEntry,
		AbsoluteMinimum:    p.absoluteMinimum,
		HighestFloorSeen:   p.progress.HighestFloorSeen,
		ProgressiveMinimum: p.progress.Minimum,
		StandardLot:        p.standardLot,
		EpisodeCount:       p.episodes,
		LosingStreak:       p.losingStreak,
		CurrentPrice:       p.current,
		LastTickAt:         p.lastTick,
		LastTransitionAt:   p.lastTransition,
		UpdatedAt:          p.updatedAt,
	}

	switch lc := p.lc.(type) {
	case *Holding:
		rec.EntryPrice = lc.Entry
		rec.HighestPrice = lc.Highest
		rec.Floor = lc.Floor
		rec.Phase = lc.Phase
		rec.Quantity = lc.Quantity
		if lc.Override != nil {
			floor, setAt := lc.Override.Floor, lc.Override.SetAt
			rec.OverrideFloor = &floor
			rec.OverrideSetAt = &setAt
		}
	case *PendingReentry:
		rec.ReentryTrigger = lc.Trigger
		rec.ExitPrice = lc.ExitPrice
		rec.HighestPrice = lc.EpisodeHigh
		rec.Phase = lc.ExitPhase
		rec.Paused = lc.Paused
	}
	return rec
}

// FromRecord restores a position. Missing anchors are accepted here and
// reported on the first tick, so a corrupt record stays visible instead of
// vanishing from monitoring.
func FromRecord(rec model.PositionRecord) (*Position, error) {
	calc, gates, err := bind(rec.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfiguration, rec.InstrumentID, err)
	}

	p := &Position{
		instrumentID:    rec.InstrumentID,
		policy:          rec.Policy,
		calc:            calc,
		gates:           gates,
		originalEntry:   rec.OriginalEntry,
		absoluteMinimum: rec.AbsoluteMinimum,
		progress: stoploss.Progress{
			HighestFloorSeen: rec.HighestFloorSeen,
			Minimum:          rec.ProgressiveMinimum,
		},
		standardLot:    rec.StandardLot,
		episodes:       rec.EpisodeCount,
		losingStreak:   rec.LosingStreak,
		current:        rec.CurrentPrice,
		lastTick:       rec.LastTickAt,
		lastTransition: rec.LastTransitionAt,
		updatedAt:      rec.UpdatedAt,
	}

	switch rec.State {
	case model.StateHolding:
		h := &Holding{
			Entry:    rec.EntryPrice,
			Highest:  rec.HighestPrice,
			Floor:    rec.Floor,
			Phase:    rec.Phase,
			Quantity: rec.Quantity,
		}
		if rec.OverrideFloor != nil && rec.OverrideSetAt != nil {
			h.Override = &Override{Floor: *rec.OverrideFloor, SetAt: *rec.OverrideSetAt}
		}
		p.lc = h
	case model.StatePendingReentry:
		p.lc = &PendingReentry{
			Trigger:     rec.ReentryTrigger,
			ExitPrice:   rec.ExitPrice,
			EpisodeHigh: rec.HighestPrice,
			ExitPhase:   rec.Phase,
			Paused:      rec.Paused,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, rec.State)
	}
	return p, nil
}
