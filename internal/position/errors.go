package position

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrice is returned for a non-positive price. The tick is
	// rejected without touching state.
	ErrInvalidPrice = errors.New("position: price must be positive")

	// ErrOutOfOrderTick is returned when a tick is older than the last one
	// applied to the position. It matches ErrInvalidPrice with errors.Is.
	ErrOutOfOrderTick error = &tickError{
		msg:  "position: invalid tick: timestamp is older than the last applied tick",
		kind: ErrInvalidPrice,
	}

	// ErrInvalidQuantity is returned when a manual buy has no quantity.
	ErrInvalidQuantity = errors.New("position: quantity must be positive")

	// ErrConfiguration marks a position whose state cannot be trusted. The
	// engine refuses to compute a floor rather than guess one.
	ErrConfiguration = errors.New("position: configuration error")

	// ErrMissingOriginalEntry is returned when a position has no original
	// entry or absolute minimum floor, typically after a bad state restore.
	ErrMissingOriginalEntry = fmt.Errorf("%w: missing original entry or absolute minimum floor", ErrConfiguration)

	// ErrUnknownState is returned when a record carries an unknown lifecycle state.
	ErrUnknownState = fmt.Errorf("%w: unknown lifecycle state", ErrConfiguration)

	// ErrNotHolding is returned for operations that require a live holding.
	ErrNotHolding = errors.New("position: not holding")

	// ErrNotSuspended is returned when resuming a position whose automatic
	// re-entry is not suspended.
	ErrNotSuspended = errors.New("position: automatic re-entry is not suspended")

	// ErrOverrideBelowFloor is returned when a manual floor would sit below
	// the absolute minimum floor.
	ErrOverrideBelowFloor = errors.New("position: manual floor below absolute minimum floor")

	// ErrUnknownPolicy is returned for a policy name with no preset.
	ErrUnknownPolicy = errors.New("position: unknown policy")
)

// tickError is a rejected tick classified under a broader sentinel.
type tickError struct {
	msg  string
	kind error
}

func (e *tickError) Error() string { return e.msg }

func (e *tickError) Unwrap() error { return e.kind }
