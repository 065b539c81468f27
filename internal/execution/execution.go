// Package execution holds the outbound order collaborators. The engine hands
// every intent to an Executor and never waits for a fill: state has already
// moved optimistically, and a failed submission is for reconciliation to fix.
package execution

import (
	"context"
	"errors"

	"github.com/optguard/position-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned by the paper wallet when a buy costs
	// more than the free balance.
	ErrInsufficientFunds = errors.New("execution: insufficient funds")

	// ErrNoHoldings is returned when selling more than is held.
	ErrNoHoldings = errors.New("execution: sell exceeds holdings")
)

// Executor accepts order intents.
type Executor interface {
	Submit(ctx context.Context, intent model.Intent) error
}

// Multi fans an intent out to several executors. All are tried; the
// errors are joined.
type Multi []Executor

func (m Multi) Submit(ctx context.Context, intent model.Intent) error {
	var errs []error
	for _, e := range m {
		if err := e.Submit(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
