// Package engine runs many positions side by side. Each position is owned by
// a slot whose mutex serialises every transition, including persistence and
// the intent hand-off, so a tick is fully applied before the next one for the
// same instrument starts. Distinct instruments never share a lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/execution"
	"github.com/optguard/position-engine/internal/instrument"
	"github.com/optguard/position-engine/internal/metrics"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/position"
	"github.com/optguard/position-engine/internal/store"
)

// ErrUnknownInstrument is returned for an instrument that is not monitored.
var ErrUnknownInstrument = errors.New("engine: unknown instrument")

// Broadcaster receives a snapshot after every state change.
type Broadcaster interface {
	PublishSnapshot(model.Snapshot)
}

type slot struct {
	mu      sync.Mutex
	pos     *position.Position
	removed bool
}

// Engine manages the monitored positions.
type Engine struct {
	store       store.Store
	exec        execution.Executor
	policy      model.Policy
	broadcaster Broadcaster
	logger      *slog.Logger
	newID       func() string

	mu    sync.RWMutex
	slots map[string]*slot
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroadcaster publishes snapshots after each change.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPolicy sets the policy for manual buys that do not name one.
func WithPolicy(p model.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// New creates an engine.
func New(st store.Store, exec execution.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		exec:   exec,
		policy: position.StandardPolicy(),
		logger: slog.Default(),
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		slots:  make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Policy returns the default policy.
func (e *Engine) Policy() model.Policy {
	return e.policy
}

// BuyRequest records a manual buy.
type BuyRequest struct {
	InstrumentID string
	Price        decimal.Decimal
	Quantity     int64
	// Policy names a preset; empty uses the engine default.
	Policy string
	At     time.Time
}

// ManualBuy starts monitoring an instrument, replacing any position already
// held for it. A live holding being replaced is sold at its last price
// first. The buy itself is handed to the executor and the ledger.
func (e *Engine) ManualBuy(ctx context.Context, req BuyRequest) (model.Snapshot, error) {
	if _, err := instrument.Parse(req.InstrumentID); err != nil {
		return model.Snapshot{}, err
	}

	policy := e.policy
	if req.Policy != "" {
		p, err := position.PolicyByName(req.Policy)
		if err != nil {
			return model.Snapshot{}, err
		}
		policy = p
	}

	pos, err := position.Open(req.InstrumentID, req.Price, req.Quantity, req.At, policy)
	if err != nil {
		return model.Snapshot{}, err
	}

	s := e.claim(req.InstrumentID)
	defer s.mu.Unlock()

	before, hadPos := e.lifecycleOf(s)
	if hadPos {
		if sell := closingIntent(s.pos, req.At); sell != nil {
			e.emit(ctx, sell)
		}
	}
	s.pos = pos
	e.track(before, hadPos, pos)

	e.persist(ctx, pos)
	e.emit(ctx, &model.Intent{
		InstrumentID: req.InstrumentID,
		Side:         model.SideBuy,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Reason:       model.ReasonManualBuy,
		Episode:      1,
		Timestamp:    req.At,
	})

	snap := pos.Snapshot()
	e.logger.Info("manual buy recorded",
		"instrument", req.InstrumentID,
		"price", req.Price.String(),
		"quantity", req.Quantity,
		"policy", policy.Name,
		"floor", snap.ProtectiveFloor.String(),
		"replaced", hadPos,
	)
	e.publish(snap)
	return snap, nil
}

// ManualSell removes an instrument from monitoring. A live holding is sold
// at the last price; nothing is sold while pending re-entry.
func (e *Engine) ManualSell(ctx context.Context, instrumentID string, at time.Time) (*model.Intent, error) {
	s, err := e.lock(instrumentID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	pos := s.pos
	intent := closingIntent(pos, at)

	if err := e.store.DeletePosition(ctx, instrumentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to delete position", "instrument", instrumentID, "err", err)
	}

	e.mu.Lock()
	delete(e.slots, instrumentID)
	e.mu.Unlock()
	s.removed = true
	s.pos = nil

	before, _ := lifecycle(pos)
	e.track(before, true, nil)

	if intent != nil {
		e.emit(ctx, intent)
	}
	e.logger.Info("manual sell, monitoring stopped", "instrument", instrumentID, "sold", intent != nil)
	e.publish(model.Snapshot{InstrumentID: instrumentID, LifecycleState: model.StateFlat, UpdatedAt: at})
	return intent, nil
}

// closingIntent sells a live holding at its last price. It is nil while
// pending re-entry, when nothing is held.
func closingIntent(pos *position.Position, at time.Time) *model.Intent {
	h, ok := pos.Holding()
	if !ok {
		return nil
	}
	return &model.Intent{
		InstrumentID: pos.InstrumentID(),
		Side:         model.SideSell,
		Price:        pos.Snapshot().CurrentPrice,
		Quantity:     h.Quantity,
		Reason:       model.ReasonManualSell,
		Episode:      pos.Episodes() + 1,
		Timestamp:    at,
	}
}

// TickResult is what one tick produced.
type TickResult struct {
	Snapshot model.Snapshot `json:"snapshot"`
	Intent   *model.Intent  `json:"intent,omitempty"`
}

// OnTick applies a tick to its position.
func (e *Engine) OnTick(ctx context.Context, t model.Tick) (TickResult, error) {
	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()

	s, err := e.lock(t.InstrumentID)
	if err != nil {
		metrics.TicksRejected.WithLabelValues("unknown_instrument").Inc()
		return TickResult{}, err
	}
	defer s.mu.Unlock()

	pos := s.pos
	before, _ := lifecycle(pos)

	out, err := pos.OnTick(t.Price, t.Timestamp)
	if err != nil {
		e.reject(t, err)
		return TickResult{}, err
	}
	metrics.TicksProcessed.WithLabelValues(string(before.state)).Inc()
	e.track(before, true, pos)

	if out.OverrideExpired {
		e.logger.Info("manual floor expired", "instrument", t.InstrumentID)
	}
	if out.Deferred != nil {
		metrics.ReentriesDeferred.Inc()
		e.logger.Debug("re-entry deferred", "instrument", t.InstrumentID, "reason", out.Deferred)
	}
	if out.Paused != model.PauseNone && out.Paused != before.paused {
		e.logger.Info("automatic re-entry paused", "instrument", t.InstrumentID, "reason", out.Paused)
	}

	e.persist(ctx, pos)
	if out.Intent != nil {
		e.emit(ctx, out.Intent)
	}

	snap := pos.Snapshot()
	if out.Intent != nil {
		e.logger.Info("position transition",
			"instrument", t.InstrumentID,
			"side", out.Intent.Side,
			"reason", out.Intent.Reason,
			"price", out.Intent.Price.String(),
			"tick_price", t.Price.String(),
			"episode", out.Intent.Episode,
			"floor", snap.ProtectiveFloor.String(),
			"state", snap.LifecycleState,
		)
	}
	e.publish(snap)
	return TickResult{Snapshot: snap, Intent: out.Intent}, nil
}

// OverrideFloor sets a manual protective floor on a holding.
func (e *Engine) OverrideFloor(ctx context.Context, instrumentID string, floor decimal.Decimal, at time.Time) (model.Snapshot, error) {
	s, err := e.lock(instrumentID)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer s.mu.Unlock()

	if err := s.pos.OverrideFloor(floor, at); err != nil {
		return model.Snapshot{}, err
	}
	e.persist(ctx, s.pos)

	snap := s.pos.Snapshot()
	e.logger.Info("manual floor set",
		"instrument", instrumentID,
		"floor", floor.String(),
		"expires", at.Add(s.pos.Policy().OverrideTTL),
	)
	e.publish(snap)
	return snap, nil
}

// ResumeReentry lifts a losing-streak suspension.
func (e *Engine) ResumeReentry(ctx context.Context, instrumentID string, at time.Time) (model.Snapshot, error) {
	s, err := e.lock(instrumentID)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer s.mu.Unlock()

	before, _ := lifecycle(s.pos)
	if err := s.pos.ResumeReentry(at); err != nil {
		return model.Snapshot{}, err
	}
	e.track(before, true, s.pos)
	e.persist(ctx, s.pos)

	snap := s.pos.Snapshot()
	e.logger.Info("automatic re-entry resumed", "instrument", instrumentID)
	e.publish(snap)
	return snap, nil
}

// Snapshot returns the view of one position.
func (e *Engine) Snapshot(instrumentID string) (model.Snapshot, error) {
	s, err := e.lock(instrumentID)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer s.mu.Unlock()
	return s.pos.Snapshot(), nil
}

// Snapshots returns every position sorted by instrument. A non-empty state
// keeps only positions in that lifecycle state.
func (e *Engine) Snapshots(state model.LifecycleState) []model.Snapshot {
	e.mu.RLock()
	slots := lo.Values(e.slots)
	e.mu.RUnlock()

	snaps := lo.FilterMap(slots, func(s *slot, _ int) (model.Snapshot, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pos == nil {
			return model.Snapshot{}, false
		}
		snap := s.pos.Snapshot()
		return snap, state == "" || snap.LifecycleState == state
	})
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].InstrumentID < snaps[j].InstrumentID
	})
	return snaps
}

// Intents returns the ledger for an instrument, including instruments no
// longer monitored.
func (e *Engine) Intents(ctx context.Context, instrumentID string) ([]model.IntentRecord, error) {
	recs, err := e.store.GetIntentsByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("engine: intents %s: %w", instrumentID, err)
	}
	return recs, nil
}

// Len returns the number of monitored positions.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// Restore loads every persisted position. Records that cannot be rebuilt
// are logged and skipped; records missing their anchors are loaded and fail
// on their first tick.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.store.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: restore: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		pos, err := position.FromRecord(rec)
		if err != nil {
			e.logger.Error("skipping unrestorable position", "instrument", rec.InstrumentID, "err", err)
			continue
		}
		if !rec.OriginalEntry.Valid || !rec.AbsoluteMinimum.Valid {
			e.logger.Error("restored position has no original entry", "instrument", rec.InstrumentID)
		}

		s := e.claim(rec.InstrumentID)
		before, hadPos := e.lifecycleOf(s)
		s.pos = pos
		e.track(before, hadPos, pos)
		s.mu.Unlock()
		restored++
	}

	e.logger.Info("positions restored", "count", restored, "skipped", len(recs)-restored)
	return restored, nil
}

// claim returns the locked slot for an instrument, creating it if needed.
func (e *Engine) claim(instrumentID string) *slot {
	for {
		e.mu.Lock()
		s, ok := e.slots[instrumentID]
		if !ok {
			s = &slot{}
			e.slots[instrumentID] = s
		}
		e.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s
		}
		// Lost a race with ManualSell; the map now holds a fresh slot.
		s.mu.Unlock()
	}
}

// lock returns the locked slot of a monitored instrument.
func (e *Engine) lock(instrumentID string) (*slot, error) {
	e.mu.RLock()
	s, ok := e.slots[instrumentID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}

	s.mu.Lock()
	if s.removed || s.pos == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}
	return s, nil
}

// emit records an intent in the ledger and hands it to the executor.
// Neither failure rolls back state.
func (e *Engine) emit(ctx context.Context, in *model.Intent) {
	in.ID = e.newID()
	metrics.IntentsEmitted.WithLabelValues(string(in.Side), in.Reason).Inc()

	rec := model.IntentRecord(*in)
	if err := e.store.InsertIntent(ctx, &rec); err != nil {
		e.logger.Error("failed to record intent", "intent", in.ID, "instrument", in.InstrumentID, "err", err)
	}

	if e.exec == nil {
		return
	}
	if err := e.exec.Submit(ctx, *in); err != nil {
		metrics.ExecutorFailures.Inc()
		e.logger.Error("executor rejected intent, reconciliation required",
			"intent", in.ID,
			"instrument", in.InstrumentID,
			"side", in.Side,
			"price", in.Price.String(),
			"quantity", in.Quantity,
			"err", err,
		)
	}
}

func (e *Engine) persist(ctx context.Context, pos *position.Position) {
	rec := pos.Record()
	if err := e.store.SavePosition(ctx, &rec); err != nil {
		e.logger.Error("failed to persist position", "instrument", rec.InstrumentID, "err", err)
	}
}

func (e *Engine) publish(snap model.Snapshot) {
	if e.broadcaster != nil {
		e.broadcaster.PublishSnapshot(snap)
	}
}

func (e *Engine) reject(t model.Tick, err error) {
	switch {
	case errors.Is(err, position.ErrConfiguration):
		metrics.TicksRejected.WithLabelValues("configuration").Inc()
		e.logger.Error("refusing to compute floor", "instrument", t.InstrumentID, "err", err)
	case errors.Is(err, position.ErrOutOfOrderTick):
		metrics.TicksRejected.WithLabelValues("out_of_order").Inc()
		e.logger.Warn("tick rejected", "instrument", t.InstrumentID, "price", t.Price.String(), "timestamp", t.Timestamp, "err", err)
	default:
		metrics.TicksRejected.WithLabelValues("invalid_price").Inc()
		e.logger.Warn("tick rejected", "instrument", t.InstrumentID, "price", t.Price.String(), "err", err)
	}
}

// --- lifecycle gauges ---

type lifecycleLabel struct {
	state  model.LifecycleState
	paused model.PauseReason
}

func lifecycle(pos *position.Position) (lifecycleLabel, bool) {
	if pos == nil {
		return lifecycleLabel{}, false
	}
	snap := pos.Snapshot()
	return lifecycleLabel{state: snap.LifecycleState, paused: snap.Paused}, true
}

func (e *Engine) lifecycleOf(s *slot) (lifecycleLabel, bool) {
	return lifecycle(s.pos)
}

// track moves the gauges from the before label to the position's current
// one. A nil position means it left monitoring.
func (e *Engine) track(before lifecycleLabel, hadBefore bool, pos *position.Position) {
	after, hasAfter := lifecycle(pos)
	if hadBefore == hasAfter && before == after {
		return
	}
	if hadBefore {
		metrics.Positions.WithLabelValues(string(before.state)).Dec()
		if before.paused != model.PauseNone {
			metrics.PausedPositions.WithLabelValues(string(before.paused)).Dec()
		}
	}
	if hasAfter {
		metrics.Positions.WithLabelValues(string(after.state)).Inc()
		if after.paused != model.PauseNone {
			metrics.PausedPositions.WithLabelValues(string(after.paused)).Inc()
		}
	}
}
