package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optguard/position-engine/internal/model"
)

var t0 = time.Date(2025, 8, 14, 9, 15, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func intent(side model.Side, price float64, qty int64) model.Intent {
	return model.Intent{
		ID:           "i-1",
		InstrumentID: "NIFTY-20250828-24500-CE",
		Side:         side,
		Price:        d(price),
		Quantity:     qty,
		Reason:       model.ReasonTrailingStop,
		Episode:      1,
		Timestamp:    t0,
	}
}

func TestPaperExecutor_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(d(10000))

	require.NoError(t, p.Submit(ctx, intent(model.SideBuy, 100, 75)))
	assert.True(t, d(2500).Equal(p.Balance()), "balance %s", p.Balance())

	require.NoError(t, p.Submit(ctx, intent(model.SideSell, 110, 75)))
	assert.True(t, d(10750).Equal(p.Balance()), "balance %s", p.Balance())

	h := p.Holding("NIFTY-20250828-24500-CE")
	assert.Equal(t, int64(0), h.Quantity)
	assert.True(t, d(750).Equal(h.RealizedPnL), "pnl %s", h.RealizedPnL)
	assert.True(t, d(750).Equal(p.RealizedPnL()))
	assert.Len(t, p.Fills(), 2)
}

func TestPaperExecutor_AveragesBuys(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(DefaultPaperBalance)

	require.NoError(t, p.Submit(ctx, intent(model.SideBuy, 100, 50)))
	require.NoError(t, p.Submit(ctx, intent(model.SideBuy, 110, 50)))

	h := p.Holding("NIFTY-20250828-24500-CE")
	assert.Equal(t, int64(100), h.Quantity)
	assert.True(t, d(105).Equal(h.AvgPrice), "avg %s", h.AvgPrice)

	require.NoError(t, p.Submit(ctx, intent(model.SideSell, 90, 100)))
	assert.True(t, d(-1500).Equal(p.RealizedPnL()), "pnl %s", p.RealizedPnL())
}

func TestPaperExecutor_Rejects(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(d(1000))

	err := p.Submit(ctx, intent(model.SideBuy, 100, 75))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, d(1000).Equal(p.Balance()), "failed buy must not debit")

	err = p.Submit(ctx, intent(model.SideSell, 100, 1))
	assert.ErrorIs(t, err, ErrNoHoldings)
	assert.Empty(t, p.Fills())
}

func TestMulti_TriesEveryExecutor(t *testing.T) {
	boom := errors.New("boom")
	ok := &Recorder{}
	failing := &Recorder{Fail: boom}

	err := Multi{failing, ok}.Submit(context.Background(), intent(model.SideSell, 110, 75))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.Intents(), 1)
	assert.Len(t, failing.Intents(), 1)
}

func TestRecorder_Reset(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Submit(context.Background(), intent(model.SideBuy, 100, 75)))
	r.Reset()
	assert.Empty(t, r.Intents())
}

func TestStreamValues(t *testing.T) {
	v := streamValues(intent(model.SideSell, 90, 75))

	assert.Equal(t, "SELL", v["side"])
	assert.Equal(t, "90", v["price"])
	assert.Equal(t, int64(75), v["quantity"])
	assert.Equal(t, model.ReasonTrailingStop, v["reason"])
	assert.Equal(t, t0.UnixMilli(), v["timestamp"])
}

func TestNewStreamExecutor_DefaultStream(t *testing.T) {
	s := NewStreamExecutor(nil, "")
	assert.Equal(t, DefaultStream, s.stream)
}
