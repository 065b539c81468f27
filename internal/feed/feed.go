// Package feed supplies price ticks to the engine. Every feed delivers ticks
// for one instrument in time order on the channel it is given.
package feed

import (
	"context"
	"errors"

	"github.com/optguard/position-engine/internal/model"
)

// ErrMalformedTick is returned for a tick that cannot be decoded.
var ErrMalformedTick = errors.New("feed: malformed tick")

// Feed streams ticks until the source ends or ctx is done.
type Feed interface {
	Stream(ctx context.Context, out chan<- model.Tick) error
}
