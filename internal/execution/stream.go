package execution

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/optguard/position-engine/internal/model"
)

// DefaultStream is the Redis stream order intents are appended to.
const DefaultStream = "position-engine:intents"

const streamMaxLen = 10000

// StreamExecutor appends intents to a Redis stream for a downstream order
// router. Submission is a single XADD with approximate trimming.
type StreamExecutor struct {
	rdb    *redis.Client
	stream string
}

// NewStreamExecutor creates a stream executor. An empty stream name uses
// DefaultStream.
func NewStreamExecutor(rdb *redis.Client, stream string) *StreamExecutor {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamExecutor{rdb: rdb, stream: stream}
}

func (s *StreamExecutor) Submit(ctx context.Context, in model.Intent) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: streamValues(in),
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("execution: stream append %s: %w", s.stream, err)
	}
	return nil
}

func streamValues(in model.Intent) map[string]interface{} {
	return map[string]interface{}{
		"id":            in.ID,
		"instrument_id": in.InstrumentID,
		"side":          string(in.Side),
		"price":         in.Price.String(),
		"quantity":      in.Quantity,
		"reason":        in.Reason,
		"episode":       in.Episode,
		"timestamp":     in.Timestamp.UnixMilli(),
	}
}
