// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), BuntDB (embedded single-file store), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/optguard/position-engine/internal/model"
)

// ErrNotFound is returned when a position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine writes through it after
// every transition and reads it back once on startup.
type Store interface {
	// --- Position state ---

	// SavePosition inserts or replaces the record for its instrument.
	SavePosition(ctx context.Context, rec *model.PositionRecord) error

	// GetPosition retrieves the record for an instrument.
	GetPosition(ctx context.Context, instrumentID string) (*model.PositionRecord, error)

	// ListPositions returns every monitored position.
	ListPositions(ctx context.Context) ([]model.PositionRecord, error)

	// DeletePosition removes an instrument from monitoring. The intent
	// ledger is kept.
	DeletePosition(ctx context.Context, instrumentID string) error

	// --- Immutable intent ledger ---

	// InsertIntent appends an immutable intent record.
	InsertIntent(ctx context.Context, rec *model.IntentRecord) error

	// GetIntentsByInstrument returns the intents for an instrument in
	// emission order.
	GetIntentsByInstrument(ctx context.Context, instrumentID string) ([]model.IntentRecord, error)
}
