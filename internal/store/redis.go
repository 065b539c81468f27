package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optguard/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, rec *model.PositionRecord) error {
	if err := s.primary.SavePosition(ctx, rec); err != nil {
		return err
	}
	s.cachePosition(ctx, rec)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, instrumentID string) error {
	if err := s.primary.DeletePosition(ctx, instrumentID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(instrumentID))
	return nil
}

func (s *CachedStore) InsertIntent(ctx context.Context, rec *model.IntentRecord) error {
	if err := s.primary.InsertIntent(ctx, rec); err != nil {
		return err
	}
	// Invalidate; next read re-populates the full history.
	s.rdb.Del(ctx, intentsKey(rec.InstrumentID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, instrumentID string) (*model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionKey(instrumentID)).Bytes()
	if err == nil {
		var rec model.PositionRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.GetPosition(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, rec)
	return rec, nil
}

func (s *CachedStore) GetIntentsByInstrument(ctx context.Context, instrumentID string) ([]model.IntentRecord, error) {
	data, err := s.rdb.Get(ctx, intentsKey(instrumentID)).Bytes()
	if err == nil {
		var recs []model.IntentRecord
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	recs, err := s.primary.GetIntentsByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(recs); err == nil {
		s.rdb.Set(ctx, intentsKey(instrumentID), data, s.ttl)
	}
	return recs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.PositionRecord, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, rec *model.PositionRecord) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, positionKey(rec.InstrumentID), data, s.ttl)
	}
}

func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func intentsKey(id string) string  { return fmt.Sprintf("intents:%s", id) }
