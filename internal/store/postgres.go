package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All prices are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	instrument_id       TEXT PRIMARY KEY,
	state               TEXT NOT NULL,
	policy              JSONB NOT NULL,
	original_entry      NUMERIC,
	absolute_minimum    NUMERIC,
	highest_floor_seen  NUMERIC NOT NULL,
	progressive_minimum NUMERIC NOT NULL,
	standard_lot        BIGINT NOT NULL,
	episode_count       INTEGER NOT NULL,
	losing_streak       INTEGER NOT NULL,
	current_price       NUMERIC NOT NULL,
	last_tick_at        TIMESTAMPTZ NOT NULL,
	last_transition_at  TIMESTAMPTZ NOT NULL,
	entry_price         NUMERIC NOT NULL,
	highest_price       NUMERIC NOT NULL,
	floor               NUMERIC NOT NULL,
	phase               TEXT NOT NULL,
	quantity            BIGINT NOT NULL,
	override_floor      NUMERIC,
	override_set_at     TIMESTAMPTZ,
	reentry_trigger     NUMERIC NOT NULL,
	exit_price          NUMERIC NOT NULL,
	paused              TEXT NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
	id            TEXT PRIMARY KEY,
	instrument_id TEXT NOT NULL,
	side          TEXT NOT NULL,
	price         NUMERIC NOT NULL,
	quantity      BIGINT NOT NULL,
	reason        TEXT NOT NULL,
	episode       INTEGER NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS intents_instrument_idx ON intents (instrument_id, timestamp);
`

// EnsureSchema creates the tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const positionColumns = `instrument_id, state, policy::TEXT,
	original_entry::TEXT, absolute_minimum::TEXT,
	highest_floor_seen::TEXT, progressive_minimum::TEXT,
	standard_lot, episode_count, losing_streak,
	current_price::TEXT, last_tick_at, last_transition_at,
	entry_price::TEXT, highest_price::TEXT, floor::TEXT, phase, quantity,
	override_floor::TEXT, override_set_at,
	reentry_trigger::TEXT, exit_price::TEXT, paused, updated_at`

func (s *PostgresStore) SavePosition(ctx context.Context, r *model.PositionRecord) error {
	policy, err := json.Marshal(r.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	var overrideFloor *string
	if r.OverrideFloor != nil {
		v := r.OverrideFloor.String()
		overrideFloor = &v
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (instrument_id, state, policy,
		        original_entry, absolute_minimum, highest_floor_seen, progressive_minimum,
		        standard_lot, episode_count, losing_streak,
		        current_price, last_tick_at, last_transition_at,
		        entry_price, highest_price, floor, phase, quantity,
		        override_floor, override_set_at,
		        reentry_trigger, exit_price, paused, updated_at)
		 VALUES ($1, $2, $3::JSONB,
		         $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8, $9, $10,
		         $11::NUMERIC, $12, $13,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17, $18,
		         $19::NUMERIC, $20,
		         $21::NUMERIC, $22::NUMERIC, $23, $24)
		 ON CONFLICT (instrument_id) DO UPDATE SET
		        state = EXCLUDED.state, policy = EXCLUDED.policy,
		        original_entry = EXCLUDED.original_entry, absolute_minimum = EXCLUDED.absolute_minimum,
		        highest_floor_seen = EXCLUDED.highest_floor_seen, progressive_minimum = EXCLUDED.progressive_minimum,
		        standard_lot = EXCLUDED.standard_lot, episode_count = EXCLUDED.episode_count,
		        losing_streak = EXCLUDED.losing_streak,
		        current_price = EXCLUDED.current_price, last_tick_at = EXCLUDED.last_tick_at,
		        last_transition_at = EXCLUDED.last_transition_at,
		        entry_price = EXCLUDED.entry_price, highest_price = EXCLUDED.highest_price,
		        floor = EXCLUDED.floor, phase = EXCLUDED.phase, quantity = EXCLUDED.quantity,
		        override_floor = EXCLUDED.override_floor, override_set_at = EXCLUDED.override_set_at,
		        reentry_trigger = EXCLUDED.reentry_trigger, exit_price = EXCLUDED.exit_price,
		        paused = EXCLUDED.paused, updated_at = EXCLUDED.updated_at`,
		r.InstrumentID, r.State, string(policy),
		nullString(r.OriginalEntry), nullString(r.AbsoluteMinimum),
		r.HighestFloorSeen.String(), r.ProgressiveMinimum.String(),
		r.StandardLot, r.EpisodeCount, r.LosingStreak,
		r.CurrentPrice.String(), r.LastTickAt, r.LastTransitionAt,
		r.EntryPrice.String(), r.HighestPrice.String(), r.Floor.String(), r.Phase, r.Quantity,
		overrideFloor, r.OverrideSetAt,
		r.ReentryTrigger.String(), r.ExitPrice.String(), r.Paused, r.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, instrumentID string) (*model.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE instrument_id = $1`, instrumentID)

	rec, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", instrumentID, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY instrument_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.PositionRecord
	for rows.Next() {
		rec, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, instrumentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE instrument_id = $1`, instrumentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertIntent(ctx context.Context, r *model.IntentRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intents (id, instrument_id, side, price, quantity, reason, episode, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		r.ID, r.InstrumentID, r.Side, r.Price.String(),
		r.Quantity, r.Reason, r.Episode, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetIntentsByInstrument(ctx context.Context, instrumentID string) ([]model.IntentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument_id, side, price::TEXT, quantity, reason, episode, timestamp
		 FROM intents WHERE instrument_id = $1 ORDER BY timestamp, id`, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIntents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPosition reads one positions row selected with positionColumns.
func scanPosition(row rowScanner) (*model.PositionRecord, error) {
	var r model.PositionRecord
	var policy string
	var originalEntry, absoluteMinimum, overrideFloor *string
	var highestFloorSeen, progressiveMinimum, currentPrice string
	var entryPrice, highestPrice, floor, reentryTrigger, exitPrice string
	var overrideSetAt *time.Time

	if err := row.Scan(&r.InstrumentID, &r.State, &policy,
		&originalEntry, &absoluteMinimum,
		&highestFloorSeen, &progressiveMinimum,
		&r.StandardLot, &r.EpisodeCount, &r.LosingStreak,
		&currentPrice, &r.LastTickAt, &r.LastTransitionAt,
		&entryPrice, &highestPrice, &floor, &r.Phase, &r.Quantity,
		&overrideFloor, &overrideSetAt,
		&reentryTrigger, &exitPrice, &r.Paused, &r.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(policy), &r.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy for %s: %w", r.InstrumentID, err)
	}

	r.OriginalEntry = parseNull(originalEntry)
	r.AbsoluteMinimum = parseNull(absoluteMinimum)
	r.HighestFloorSeen, _ = decimal.NewFromString(highestFloorSeen)
	r.ProgressiveMinimum, _ = decimal.NewFromString(progressiveMinimum)
	r.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	r.EntryPrice, _ = decimal.NewFromString(entryPrice)
	r.HighestPrice, _ = decimal.NewFromString(highestPrice)
	r.Floor, _ = decimal.NewFromString(floor)
	r.ReentryTrigger, _ = decimal.NewFromString(reentryTrigger)
	r.ExitPrice, _ = decimal.NewFromString(exitPrice)
	if of := parseNull(overrideFloor); of.Valid {
		r.OverrideFloor = &of.Decimal
	}
	r.OverrideSetAt = overrideSetAt

	return &r, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanIntents(rows pgxRows) ([]model.IntentRecord, error) {
	var records []model.IntentRecord
	for rows.Next() {
		var r model.IntentRecord
		var priceS string

		if err := rows.Scan(&r.ID, &r.InstrumentID, &r.Side, &priceS,
			&r.Quantity, &r.Reason, &r.Episode, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Price, _ = decimal.NewFromString(priceS)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNull(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
