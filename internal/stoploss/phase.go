package stoploss

import (
	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

var (
	// Phase2Threshold is the move above entry at which Phase2 begins.
	Phase2Threshold = decimal.NewFromInt(20)

	// Phase3Threshold is the move above entry at which Phase3 begins.
	Phase3Threshold = decimal.NewFromInt(30)
)

// Classify maps the distance of current price from entry to a trailing phase.
// It is total over any delta, including negative ones.
//
//	delta < 20        → Phase1
//	20 <= delta < 30  → Phase2
//	delta >= 30       → Phase3
func Classify(entry, current decimal.Decimal) model.Phase {
	delta := current.Sub(entry)
	switch {
	case delta.GreaterThanOrEqual(Phase3Threshold):
		return model.Phase3
	case delta.GreaterThanOrEqual(Phase2Threshold):
		return model.Phase2
	default:
		return model.Phase1
	}
}
