package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optguard/position-engine/internal/execution"
	"github.com/optguard/position-engine/internal/instrument"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/position"
	"github.com/optguard/position-engine/internal/store"
)

const (
	nifty     = "NIFTY-20250828-24500-CE"
	bankNifty = "BANKNIFTY-20250828-51000-PE"
)

var t0 = time.Date(2025, 8, 14, 9, 15, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

type collector struct {
	mu    sync.Mutex
	snaps []model.Snapshot
}

func (c *collector) PublishSnapshot(s model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *collector) last() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[len(c.snaps)-1]
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	exec   *execution.Recorder
	bus    *collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		exec:  &execution.Recorder{},
		bus:   &collector{},
	}
	f.engine = New(f.store, f.exec, WithBroadcaster(f.bus))
	return f
}

func (f *fixture) buy(t *testing.T, id string, price float64) model.Snapshot {
	t.Helper()
	snap, err := f.engine.ManualBuy(context.Background(), BuyRequest{
		InstrumentID: id,
		Price:        d(price),
		Quantity:     75,
		At:           t0,
	})
	require.NoError(t, err)
	return snap
}

func (f *fixture) tick(t *testing.T, id string, price float64, sec int) TickResult {
	t.Helper()
	res, err := f.engine.OnTick(context.Background(), model.Tick{
		InstrumentID: id,
		Price:        d(price),
		Timestamp:    at(sec),
	})
	require.NoError(t, err)
	return res
}

func TestManualBuy_StartsMonitoring(t *testing.T) {
	f := newFixture(t)
	snap := f.buy(t, nifty, 100)

	assert.Equal(t, model.StateHolding, snap.LifecycleState)
	assert.True(t, d(90).Equal(snap.ProtectiveFloor))
	assert.Equal(t, 1, f.engine.Len())

	rec, err := f.store.GetPosition(context.Background(), nifty)
	require.NoError(t, err)
	assert.Equal(t, model.StateHolding, rec.State)
	assert.Equal(t, position.PolicyStandard, rec.Policy.Name)

	intents := f.exec.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, model.SideBuy, intents[0].Side)
	assert.Equal(t, model.ReasonManualBuy, intents[0].Reason)
	assert.NotEmpty(t, intents[0].ID)

	ledger, err := f.engine.Intents(context.Background(), nifty)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, intents[0].ID, ledger[0].ID)

	assert.Equal(t, nifty, f.bus.last().InstrumentID)
}

func TestManualBuy_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ManualBuy(ctx, BuyRequest{InstrumentID: "nifty", Price: d(100), Quantity: 75, At: t0})
	assert.ErrorIs(t, err, instrument.ErrInvalidID)

	_, err = f.engine.ManualBuy(ctx, BuyRequest{InstrumentID: nifty, Price: d(-1), Quantity: 75, At: t0})
	assert.ErrorIs(t, err, position.ErrInvalidPrice)

	_, err = f.engine.ManualBuy(ctx, BuyRequest{InstrumentID: nifty, Price: d(100), Quantity: 75, Policy: "yolo", At: t0})
	assert.Error(t, err)

	assert.Equal(t, 0, f.engine.Len())
	assert.Empty(t, f.exec.Intents())
}

func TestManualBuy_NamedPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ManualBuy(context.Background(), BuyRequest{
		InstrumentID: nifty,
		Price:        d(100),
		Quantity:     75,
		Policy:       position.PolicyEarlyProtection,
		At:           t0,
	})
	require.NoError(t, err)

	res := f.tick(t, nifty, 106, 1)
	assert.True(t, d(105).Equal(res.Snapshot.ProtectiveFloor), "early protection floor, got %s", res.Snapshot.ProtectiveFloor)
}

func TestManualBuy_ReplacesExisting(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.tick(t, nifty, 89, 1)

	snap := f.buy(t, nifty, 200)
	assert.Equal(t, model.StateHolding, snap.LifecycleState)
	assert.True(t, d(200).Equal(snap.EntryPrice))
	assert.Equal(t, 0, snap.EpisodeCount)
	assert.Equal(t, 1, f.engine.Len())

	intents := f.exec.Intents()
	require.Len(t, intents, 3, "nothing held while pending, so nothing extra is sold")
	assert.Equal(t, model.ReasonManualBuy, intents[2].Reason)
}

func TestManualBuy_ReplacingHoldingSellsItFirst(t *testing.T) {
	ctx := context.Background()
	paper := execution.NewPaperExecutor(execution.DefaultPaperBalance)
	eng := New(store.NewMemoryStore(), paper)

	buy := func(price float64, sec int) {
		t.Helper()
		_, err := eng.ManualBuy(ctx, BuyRequest{InstrumentID: nifty, Price: d(price), Quantity: 10, At: at(sec)})
		require.NoError(t, err)
	}
	heldMatches := func() {
		t.Helper()
		snap, err := eng.Snapshot(nifty)
		require.NoError(t, err)
		assert.Equal(t, snap.Quantity, paper.Holding(nifty).Quantity, "engine and executor agree on %s", snap.LifecycleState)
	}

	buy(100, 0)
	_, err := eng.OnTick(ctx, model.Tick{InstrumentID: nifty, Price: d(104), Timestamp: at(1)})
	require.NoError(t, err)

	buy(100, 2)
	heldMatches()

	fills := paper.Fills()
	require.Len(t, fills, 3)
	assert.Equal(t, model.SideSell, fills[1].Side)
	assert.Equal(t, model.ReasonManualSell, fills[1].Reason)
	assert.True(t, d(104).Equal(fills[1].Price), "replaced holding sold at its last price")
	assert.Equal(t, int64(10), fills[1].Quantity)

	res, err := eng.OnTick(ctx, model.Tick{InstrumentID: nifty, Price: d(90), Timestamp: at(3)})
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.StatePendingReentry, res.Snapshot.LifecycleState)
	heldMatches()
	assert.True(t, d(-60).Equal(paper.RealizedPnL()), "+40 on the replaced lot, -100 on the stop, got %s", paper.RealizedPnL())
}

func TestOnTick_AcceptsTickStampedBeforeBuy(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ManualBuy(context.Background(), BuyRequest{
		InstrumentID: nifty,
		Price:        d(100),
		Quantity:     75,
		At:           t0.Add(500 * time.Millisecond),
	})
	require.NoError(t, err)

	res, err := f.engine.OnTick(context.Background(), model.Tick{
		InstrumentID: nifty,
		Price:        d(85),
		Timestamp:    t0.Add(400 * time.Millisecond),
	})
	require.NoError(t, err, "feed clock may trail the buy's clock")
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.SideSell, res.Intent.Side)
	assert.True(t, d(90).Equal(res.Intent.Price))
	assert.Equal(t, model.StatePendingReentry, res.Snapshot.LifecycleState)
}

func TestOnTick_UnknownInstrument(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.OnTick(context.Background(), model.Tick{InstrumentID: nifty, Price: d(100), Timestamp: t0})
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestOnTick_ExitAndReentryReachLedger(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)

	res := f.tick(t, nifty, 89.80, 1)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.SideSell, res.Intent.Side)
	assert.True(t, d(90).Equal(res.Intent.Price))
	assert.Equal(t, model.StatePendingReentry, res.Snapshot.LifecycleState)

	res = f.tick(t, nifty, 95, 3)
	assert.Nil(t, res.Intent)

	res = f.tick(t, nifty, 100, 10)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.SideBuy, res.Intent.Side)
	assert.Equal(t, model.ReasonReentry, res.Intent.Reason)

	ledger, err := f.engine.Intents(context.Background(), nifty)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	assert.Equal(t, model.ReasonManualBuy, ledger[0].Reason)
	assert.Equal(t, model.ReasonStopLoss, ledger[1].Reason)
	assert.Equal(t, model.ReasonReentry, ledger[2].Reason)

	ids := map[string]bool{}
	for _, in := range ledger {
		ids[in.ID] = true
	}
	assert.Len(t, ids, 3, "intent ids must be unique")

	rec, err := f.store.GetPosition(context.Background(), nifty)
	require.NoError(t, err)
	assert.Equal(t, model.StateHolding, rec.State)
	assert.Equal(t, 1, rec.EpisodeCount)
}

func TestOnTick_ExecutorFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.exec.Fail = errors.New("broker down")

	res := f.tick(t, nifty, 85, 1)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.StatePendingReentry, res.Snapshot.LifecycleState)

	ledger, err := f.engine.Intents(context.Background(), nifty)
	require.NoError(t, err)
	assert.Len(t, ledger, 2)
}

func TestOnTick_RejectedTickChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.tick(t, nifty, 115, 5)

	_, err := f.engine.OnTick(context.Background(), model.Tick{InstrumentID: nifty, Price: d(50), Timestamp: at(4)})
	assert.ErrorIs(t, err, position.ErrOutOfOrderTick)

	_, err = f.engine.OnTick(context.Background(), model.Tick{InstrumentID: nifty, Price: decimal.Zero, Timestamp: at(6)})
	assert.ErrorIs(t, err, position.ErrInvalidPrice)

	snap, err := f.engine.Snapshot(nifty)
	require.NoError(t, err)
	assert.Equal(t, model.StateHolding, snap.LifecycleState)
	assert.True(t, d(110).Equal(snap.ProtectiveFloor))
}

func TestManualSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, nifty, 100)
	f.tick(t, nifty, 104, 1)

	intent, err := f.engine.ManualSell(ctx, nifty, at(2))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, model.ReasonManualSell, intent.Reason)
	assert.True(t, d(104).Equal(intent.Price))
	assert.Equal(t, int64(75), intent.Quantity)

	assert.Equal(t, 0, f.engine.Len())
	_, err = f.store.GetPosition(ctx, nifty)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, model.StateFlat, f.bus.last().LifecycleState)

	ledger, err := f.engine.Intents(ctx, nifty)
	require.NoError(t, err)
	assert.Len(t, ledger, 2, "ledger outlives the position")

	_, err = f.engine.ManualSell(ctx, nifty, at(3))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	_, err = f.engine.OnTick(ctx, model.Tick{InstrumentID: nifty, Price: d(100), Timestamp: at(4)})
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestManualSell_WhilePendingSellsNothing(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.tick(t, nifty, 85, 1)

	intent, err := f.engine.ManualSell(context.Background(), nifty, at(2))
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Len(t, f.exec.Intents(), 2)
}

func TestOverrideFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, nifty, 100)

	snap, err := f.engine.OverrideFloor(ctx, nifty, d(95), at(1))
	require.NoError(t, err)
	assert.True(t, snap.OverrideActive)
	assert.True(t, d(95).Equal(snap.ProtectiveFloor))

	res := f.tick(t, nifty, 94, 2)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.ReasonManualOverrideStop, res.Intent.Reason)

	_, err = f.engine.OverrideFloor(ctx, nifty, d(95), at(3))
	assert.ErrorIs(t, err, position.ErrNotHolding)

	_, err = f.engine.OverrideFloor(ctx, bankNifty, d(95), at(3))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestResumeReentry_RequiresSuspension(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)

	_, err := f.engine.ResumeReentry(context.Background(), nifty, at(1))
	assert.ErrorIs(t, err, position.ErrNotSuspended)
}

func TestResumeReentry_AfterLosingStreak(t *testing.T) {
	f := newFixture(t)
	p := position.StandardPolicy()
	p.MaxLosingEpisodes = 1
	f.engine = New(f.store, f.exec, WithPolicy(p))
	f.buy(t, nifty, 100)

	res := f.tick(t, nifty, 85, 1)
	assert.Equal(t, model.PauseReentrySuspended, res.Snapshot.Paused)

	res = f.tick(t, nifty, 120, 30)
	assert.Nil(t, res.Intent, "suspended position must not re-enter")

	snap, err := f.engine.ResumeReentry(context.Background(), nifty, at(31))
	require.NoError(t, err)
	assert.Equal(t, model.PauseNone, snap.Paused)

	res = f.tick(t, nifty, 120, 40)
	require.NotNil(t, res.Intent)
	assert.Equal(t, model.SideBuy, res.Intent.Side)
}

func TestSnapshots_FilterAndOrder(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.buy(t, bankNifty, 200)
	f.buy(t, "SBIN", 800)
	f.tick(t, bankNifty, 150, 1)

	all := f.engine.Snapshots("")
	require.Len(t, all, 3)
	assert.Equal(t, bankNifty, all[0].InstrumentID)
	assert.Equal(t, nifty, all[1].InstrumentID)
	assert.Equal(t, "SBIN", all[2].InstrumentID)

	pending := f.engine.Snapshots(model.StatePendingReentry)
	require.Len(t, pending, 1)
	assert.Equal(t, bankNifty, pending[0].InstrumentID)

	assert.Len(t, f.engine.Snapshots(model.StateHolding), 2)
}

func TestRestore_ContinuesFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, nifty, 100)
	f.tick(t, nifty, 135, 1)
	f.tick(t, nifty, 130, 2)

	restarted := New(f.store, f.exec)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := restarted.Snapshot(nifty)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingReentry, snap.LifecycleState)
	assert.True(t, d(110).Equal(snap.ProgressiveMinimum))

	res, err := restarted.OnTick(ctx, model.Tick{InstrumentID: nifty, Price: d(100), Timestamp: at(10)})
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.True(t, d(110).Equal(res.Snapshot.ProtectiveFloor))
}

func TestRestore_SkipsBrokenRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, nifty, 100)

	require.NoError(t, f.store.SavePosition(ctx, &model.PositionRecord{
		InstrumentID: bankNifty,
		State:        model.StateFlat,
		Policy:       position.StandardPolicy(),
	}))

	restarted := New(f.store, nil)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = restarted.Snapshot(bankNifty)
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestRun_ShardsByInstrument(t *testing.T) {
	f := newFixture(t)
	f.buy(t, nifty, 100)
	f.buy(t, bankNifty, 200)

	ticks := make(chan model.Tick)
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(context.Background(), ticks) }()

	for i := 1; i < 20; i++ {
		ticks <- model.Tick{InstrumentID: nifty, Price: d(100 + 1.5*float64(i)), Timestamp: at(i)}
		ticks <- model.Tick{InstrumentID: bankNifty, Price: d(200 - float64(i)), Timestamp: at(i)}
		ticks <- model.Tick{InstrumentID: "UNKNOWN", Price: d(1), Timestamp: at(i)}
	}
	close(ticks)
	require.NoError(t, <-done)

	n, err := f.engine.Snapshot(nifty)
	require.NoError(t, err)
	assert.True(t, d(128.5).Equal(n.HighestPriceSeen))
	assert.True(t, d(120).Equal(n.ProtectiveFloor))

	b, err := f.engine.Snapshot(bankNifty)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingReentry, b.LifecycleState)
	assert.True(t, d(190).Equal(b.ProtectiveFloor), "exit price recorded at the floor")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan model.Tick)

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, ticks) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
