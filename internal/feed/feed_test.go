package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optguard/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 14, 9, 15, 0, 0, time.UTC)

func TestDecodeTicks(t *testing.T) {
	now := func() time.Time { return t0 }

	ticks, err := decodeTicks([]byte(`{"instrument_id":"SBIN","price":"812.5","timestamp":"2025-08-14T09:16:00Z"}`), now)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.True(t, d(812.5).Equal(ticks[0].Price))
	assert.Equal(t, t0.Add(time.Minute), ticks[0].Timestamp)

	ticks, err = decodeTicks([]byte(` [{"instrument_id":"SBIN","price":810},{"instrument_id":"TCS","price":"3000"}]`), now)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, t0, ticks[0].Timestamp, "missing timestamp stamped on arrival")
	assert.Equal(t, "TCS", ticks[1].InstrumentID)

	_, err = decodeTicks([]byte(`{"price":"1"}`), now)
	assert.ErrorIs(t, err, ErrMalformedTick)

	_, err = decodeTicks([]byte(`not json`), now)
	assert.ErrorIs(t, err, ErrMalformedTick)
}

func TestWSFeed_ReconnectsAndSubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	subscribed := make(chan []string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err == nil {
			subscribed <- sub.Instruments
		}

		switch conns.Add(1) {
		case 1:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"instrument_id":"SBIN","price":"800","timestamp":"2025-08-14T09:15:00Z"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"instrument_id":"SBIN","price":"801","timestamp":"2025-08-14T09:15:01Z"}`))
			// Drop the connection to force a redial.
		default:
			conn.WriteMessage(websocket.TextMessage, []byte(`[{"instrument_id":"SBIN","price":"802","timestamp":"2025-08-14T09:15:02Z"}]`))
			// Hold the connection open until the client leaves.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewWSFeed(url, []string{"SBIN"}, slog.Default())
	f.Backoff = &backoff.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan model.Tick)
	errc := make(chan error, 1)
	go func() { errc <- f.Stream(ctx, out) }()

	var prices []string
	for len(prices) < 3 {
		select {
		case tk := <-out:
			prices = append(prices, tk.Price.String())
		case <-ctx.Done():
			t.Fatalf("timed out after %v", prices)
		}
	}
	cancel()

	assert.Equal(t, []string{"800", "801", "802"}, prices)
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.Equal(t, []string{"SBIN"}, <-subscribed)
}

func TestReadTicks(t *testing.T) {
	doc := `instrument_id,price,timestamp
# opening
NIFTY-20250828-24500-CE,100,2025-08-14T09:15:00Z
NIFTY-20250828-24500-CE, 110.5 ,2025-08-14 09:15:01
NIFTY-20250828-24500-CE,109,1755162902
`
	ticks, err := ReadTicks(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ticks, 3)

	assert.True(t, d(110.5).Equal(ticks[1].Price))
	assert.Equal(t, t0, ticks[0].Timestamp)
	assert.Equal(t, t0.Add(time.Second), ticks[1].Timestamp)
	assert.Equal(t, time.Unix(1755162902, 0).UTC(), ticks[2].Timestamp)
}

func TestReadTicks_BadRow(t *testing.T) {
	doc := `SBIN,800,2025-08-14T09:15:00Z
SBIN,abc,2025-08-14T09:15:01Z
`
	_, err := ReadTicks(strings.NewReader(doc))
	assert.ErrorIs(t, err, ErrMalformedTick)
	assert.Contains(t, err.Error(), "row 2")
}

func TestCSVFeed_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewCSVFeed(strings.NewReader("SBIN,800,1755162900\n")).Stream(ctx, make(chan model.Tick))
	assert.ErrorIs(t, err, context.Canceled)
}
