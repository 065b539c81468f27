// Package model defines the core domain types shared across the position engine.
// All prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the trailing regime derived from how far price has moved from entry.
type Phase string

const (
	Phase1 Phase = "phase1" // tight trailing, base granularity
	Phase2 Phase = "phase2" // progressive-minimum regime
	Phase3 Phase = "phase3" // wide step trailing
)

// LifecycleState is the externally visible state of a monitored position.
type LifecycleState string

const (
	StateFlat           LifecycleState = "flat"
	StateHolding        LifecycleState = "holding"
	StatePendingReentry LifecycleState = "pending_reentry"
)

// PauseReason explains why a pending position will not re-enter on its own.
type PauseReason string

const (
	PauseNone              PauseReason = ""
	PauseReentryBelowFloor PauseReason = "reentry_below_floor"
	PauseReentrySuspended  PauseReason = "reentry_suspended"
)

// Side of an order intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Intent reasons recorded in the ledger.
const (
	ReasonStopLoss           = "stop_loss"
	ReasonTrailingStop       = "trailing_stop"
	ReasonManualOverrideStop = "manual_override_stop"
	ReasonReentry            = "reentry"
	ReasonManualBuy          = "manual_buy"
	ReasonManualSell         = "manual_sell"
)

// Policy is the trailing and re-entry configuration bound to a position at
// creation. Changing the service configuration never alters a live position.
type Policy struct {
	Name              string          `json:"name"`
	Step              decimal.Decimal `json:"step"`
	BaseOffset        decimal.Decimal `json:"base_offset"`
	EarlyProtection   decimal.Decimal `json:"early_protection"`
	Cooldown          time.Duration   `json:"cooldown"`
	OverrideTTL       time.Duration   `json:"override_ttl"`
	MaxLosingEpisodes int             `json:"max_losing_episodes"`
}

// Tick is one quote update from the price feed.
type Tick struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Intent is an order the engine wants executed. Emission is fire-and-forget:
// the engine has already applied the optimistic state change.
type Intent struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity"`
	Reason       string          `json:"reason"`
	Episode      int             `json:"episode"`
	Timestamp    time.Time       `json:"timestamp"`
}

// IntentRecord is an immutable ledger row for an emitted intent.
// Once created, these are never modified or deleted.
type IntentRecord struct {
	ID           string          `json:"id" db:"id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Reason       string          `json:"reason" db:"reason"`
	Episode      int             `json:"episode" db:"episode"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Snapshot is the read-only view of one position for the presentation layer.
type Snapshot struct {
	InstrumentID          string           `json:"instrument_id"`
	LifecycleState        LifecycleState   `json:"lifecycle_state"`
	Phase                 Phase            `json:"phase,omitempty"`
	EntryPrice            decimal.Decimal  `json:"entry_price"`
	CurrentPrice          decimal.Decimal  `json:"current_price"`
	HighestPriceSeen      decimal.Decimal  `json:"highest_price_seen"`
	ProtectiveFloor       decimal.Decimal  `json:"protective_floor"`
	AbsoluteMinimumFloor  decimal.Decimal  `json:"absolute_minimum_floor"`
	ProgressiveMinimum    decimal.Decimal  `json:"progressive_minimum"`
	PendingReentryTrigger *decimal.Decimal `json:"pending_reentry_trigger,omitempty"`
	Quantity              int64            `json:"quantity"`
	EpisodeCount          int              `json:"episode_count"`
	Paused                PauseReason      `json:"paused,omitempty"`
	OverrideActive        bool             `json:"override_active"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// PositionRecord is the flat persisted form of a position. Fields that only
// apply to one lifecycle state are zero when the position is in the other.
type PositionRecord struct {
	InstrumentID       string              `json:"instrument_id" db:"instrument_id"`
	State              LifecycleState      `json:"state" db:"state"`
	Policy             Policy              `json:"policy" db:"policy"`
	OriginalEntry      decimal.NullDecimal `json:"original_entry" db:"original_entry"`
	AbsoluteMinimum    decimal.NullDecimal `json:"absolute_minimum" db:"absolute_minimum"`
	HighestFloorSeen   decimal.Decimal     `json:"highest_floor_seen" db:"highest_floor_seen"`
	ProgressiveMinimum decimal.Decimal     `json:"progressive_minimum" db:"progressive_minimum"`
	StandardLot        int64               `json:"standard_lot" db:"standard_lot"`
	EpisodeCount       int                 `json:"episode_count" db:"episode_count"`
	LosingStreak       int                 `json:"losing_streak" db:"losing_streak"`
	CurrentPrice       decimal.Decimal     `json:"current_price" db:"current_price"`
	LastTickAt         time.Time           `json:"last_tick_at" db:"last_tick_at"`
	LastTransitionAt   time.Time           `json:"last_transition_at" db:"last_transition_at"`
	// Phase is the live phase, or the exited episode's last phase while pending.
	Phase              Phase               `json:"phase" db:"phase"`

	// Holding.
	EntryPrice    decimal.Decimal  `json:"entry_price" db:"entry_price"`
	HighestPrice  decimal.Decimal  `json:"highest_price" db:"highest_price"`
	Floor         decimal.Decimal  `json:"floor" db:"floor"`
	Quantity      int64            `json:"quantity" db:"quantity"`
	OverrideFloor *decimal.Decimal `json:"override_floor,omitempty" db:"override_floor"`
	OverrideSetAt *time.Time       `json:"override_set_at,omitempty" db:"override_set_at"`

	// PendingReentry.
	ReentryTrigger decimal.Decimal `json:"reentry_trigger" db:"reentry_trigger"`
	ExitPrice      decimal.Decimal `json:"exit_price" db:"exit_price"`
	Paused         PauseReason     `json:"paused" db:"paused"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
