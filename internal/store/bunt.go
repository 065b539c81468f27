package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/optguard/position-engine/internal/model"
)

// Keys are position:{instrument} and intent:{instrument}:{intent id}.
// Intent IDs are time-ordered, so key order is emission order.
const (
	positionPrefix = "position:"
	intentPrefix   = "intent:"
)

// BuntStore implements Store on an embedded BuntDB file. It suits a single
// engine instance that needs durable state without a database server.
type BuntStore struct {
	db *buntdb.DB
}

// NewBuntStore opens (or creates) a BuntDB file. Use ":memory:" for an
// ephemeral store.
func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkPercentage: 100,
		AutoShrinkMinSize:    32 * 1024 * 1024,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure buntdb: %w", err)
	}

	return &BuntStore{db: db}, nil
}

// Close flushes and closes the database file.
func (b *BuntStore) Close() error {
	return b.db.Close()
}

func (b *BuntStore) SavePosition(_ context.Context, rec *model.PositionRecord) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(positionPrefix+rec.InstrumentID, string(content), nil)
		return err
	})
}

func (b *BuntStore) GetPosition(_ context.Context, instrumentID string) (*model.PositionRecord, error) {
	var rec model.PositionRecord
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(positionPrefix + instrumentID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &rec)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", instrumentID, err)
	}
	return &rec, nil
}

func (b *BuntStore) ListPositions(_ context.Context) ([]model.PositionRecord, error) {
	recs := make([]model.PositionRecord, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(positionPrefix+"*", func(key, value string) bool {
			var rec model.PositionRecord
			if err := json.Unmarshal([]byte(value), &rec); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			recs = append(recs, rec)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return recs, nil
}

func (b *BuntStore) DeletePosition(_ context.Context, instrumentID string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(positionPrefix + instrumentID)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	return err
}

func (b *BuntStore) InsertIntent(_ context.Context, rec *model.IntentRecord) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	key := intentPrefix + rec.InstrumentID + ":" + rec.ID
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(content), nil)
		return err
	})
}

func (b *BuntStore) GetIntentsByInstrument(_ context.Context, instrumentID string) ([]model.IntentRecord, error) {
	var recs []model.IntentRecord
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(intentPrefix+instrumentID+":*", func(key, value string) bool {
			var rec model.IntentRecord
			if json.Unmarshal([]byte(value), &rec) == nil {
				recs = append(recs, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get intents %s: %w", instrumentID, err)
	}
	return recs, nil
}
