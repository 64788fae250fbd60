package market

import (
	"context"
	"sync"
	"time"

	"trading-worker/internal/database"
)

// RangeStore persists breakout range snapshots. The pgx-backed
// repository implements it in production; tests use MemoryRangeStore.
type RangeStore interface {
	SaveRange(ctx context.Context, rng *database.BreakoutRange) error
	LatestValidRange(ctx context.Context, assetID int64, phase string, maxAge time.Duration) (*database.BreakoutRange, error)
}

// MemoryRangeStore is an in-memory RangeStore
type MemoryRangeStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []database.BreakoutRange

	// Loads counts LatestValidRange calls, letting tests assert that a
	// warm cache skips storage.
	Loads int
}

// NewMemoryRangeStore creates an empty in-memory store
func NewMemoryRangeStore() *MemoryRangeStore {
	return &MemoryRangeStore{nextID: 1}
}

func (s *MemoryRangeStore) SaveRange(ctx context.Context, rng *database.BreakoutRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng.ID = s.nextID
	s.nextID++
	if rng.CreatedAt.IsZero() {
		rng.CreatedAt = time.Now().UTC()
	}
	s.rows = append(s.rows, *rng)
	return nil
}

func (s *MemoryRangeStore) LatestValidRange(ctx context.Context, assetID int64, phase string, maxAge time.Duration) (*database.BreakoutRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Loads++
	cutoff := time.Now().UTC().Add(-maxAge)
	var best *database.BreakoutRange
	for i := range s.rows {
		r := &s.rows[i]
		if r.AssetID != assetID || r.Phase != phase || !r.IsValid || r.EndTime.Before(cutoff) {
			continue
		}
		if best == nil || r.EndTime.After(best.EndTime) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// Rows returns a copy of everything saved so far
func (s *MemoryRangeStore) Rows() []database.BreakoutRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.BreakoutRange, len(s.rows))
	copy(out, s.rows)
	return out
}
