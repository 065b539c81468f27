package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/optguard/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing,
// simulation and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.PositionRecord
	intents   []model.IntentRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.PositionRecord),
	}
}

func (s *MemoryStore) SavePosition(_ context.Context, rec *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *rec
	s.positions[rec.InstrumentID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, instrumentID string) (*model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.positions[instrumentID]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]model.PositionRecord, 0, len(s.positions))
	for _, rec := range s.positions {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].InstrumentID < recs[j].InstrumentID
	})
	return recs, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, instrumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[instrumentID]; !ok {
		return fmt.Errorf("position %s: %w", instrumentID, ErrNotFound)
	}
	delete(s.positions, instrumentID)
	return nil
}

func (s *MemoryStore) InsertIntent(_ context.Context, rec *model.IntentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intents = append(s.intents, *rec)
	return nil
}

func (s *MemoryStore) GetIntentsByInstrument(_ context.Context, instrumentID string) ([]model.IntentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.IntentRecord
	for _, r := range s.intents {
		if r.InstrumentID == instrumentID {
			result = append(result, r)
		}
	}
	return result, nil
}
