package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/optguard/position-engine/internal/model"
)

// shardBuffer bounds how far one instrument may lag before the dispatcher
// blocks.
const shardBuffer = 64

// Run consumes ticks until the channel closes or ctx is cancelled. Each
// instrument gets its own worker so ticks for one instrument are applied in
// arrival order while different instruments proceed in parallel. Tick errors
// are logged by OnTick and never stop the loop.
func (e *Engine) Run(ctx context.Context, ticks <-chan model.Tick) error {
	g, gctx := errgroup.WithContext(ctx)
	shards := make(map[string]chan model.Tick)

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			ch, exists := shards[t.InstrumentID]
			if !exists {
				ch = make(chan model.Tick, shardBuffer)
				shards[t.InstrumentID] = ch
				g.Go(func() error {
					for t := range ch {
						_, _ = e.OnTick(gctx, t)
					}
					return nil
				})
			}
			select {
			case ch <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
