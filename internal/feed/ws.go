package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/optguard/position-engine/internal/model"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsMinReconnect     = 500 * time.Millisecond
	wsMaxReconnect     = 30 * time.Second
)

// WSFeed reads ticks from a websocket quote server. Each text frame is one
// tick object or an array of them:
//
//	{"instrument_id":"NIFTY-20250828-24500-CE","price":"101.5","timestamp":"2025-08-14T09:15:00Z"}
//
// A dropped connection is redialled with exponential backoff until ctx ends.
type WSFeed struct {
	url         string
	instruments []string
	dialer      *websocket.Dialer
	logger      *slog.Logger

	// Backoff paces reconnects. It is reset after each successful dial.
	Backoff *backoff.Backoff

	now func() time.Time
}

type subscribeMessage struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// NewWSFeed creates a websocket feed. When instruments is non-empty a
// subscribe message naming them is sent after every dial.
func NewWSFeed(url string, instruments []string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         url,
		instruments: instruments,
		dialer:      &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		logger:      logger.With("component", "ws_feed"),
		Backoff: &backoff.Backoff{
			Min:    wsMinReconnect,
			Max:    wsMaxReconnect,
			Factor: 2,
			Jitter: true,
		},
		now: time.Now,
	}
}

// Stream implements Feed. It only returns once ctx is done.
func (f *WSFeed) Stream(ctx context.Context, out chan<- model.Tick) error {
	for {
		err := f.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := f.Backoff.Duration()
		f.logger.Warn("price feed disconnected", "url", f.url, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *WSFeed) session(ctx context.Context, out chan<- model.Tick) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if len(f.instruments) > 0 {
		msg := subscribeMessage{Action: "subscribe", Instruments: f.instruments}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}

	f.Backoff.Reset()
	f.logger.Info("price feed connected", "url", f.url, "instruments", len(f.instruments))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		ticks, err := decodeTicks(data, f.now)
		if err != nil {
			f.logger.Warn("dropping malformed tick", "error", err)
			continue
		}

		for _, t := range ticks {
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeTicks accepts one tick object or an array. Ticks without a
// timestamp are stamped on arrival.
func decodeTicks(data []byte, now func() time.Time) ([]model.Tick, error) {
	data = bytes.TrimSpace(data)

	var ticks []model.Tick
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &ticks); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTick, err)
		}
	} else {
		var t model.Tick
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTick, err)
		}
		ticks = append(ticks, t)
	}

	for i := range ticks {
		if ticks[i].InstrumentID == "" {
			return nil, fmt.Errorf("%w: missing instrument_id", ErrMalformedTick)
		}
		if ticks[i].Timestamp.IsZero() {
			ticks[i].Timestamp = now().UTC()
		}
	}
	return ticks, nil
}
