package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-worker/internal/database"
)

// Store persists execution sessions and their outcomes. The pgx-backed
// trade repository implements it; tests use MemoryStore.
type Store interface {
	CreateSession(ctx context.Context, s *database.ExecutionSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*database.ExecutionSession, error)
	ConfirmSession(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error)
	InsertTrade(ctx context.Context, t *database.TradeRecord) error
	InsertShadowTrade(ctx context.Context, t *database.ShadowTrade) error
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*database.ExecutionSession
	trades   []database.TradeRecord
	shadows  []database.ShadowTrade
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*database.ExecutionSession),
		nextID:   1,
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *database.ExecutionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return nil
	}
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*database.ExecutionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryStore) ConfirmSession(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.ConfirmedAt != nil {
		return false, nil
	}
	s.Status = status
	confirmedAt := at
	s.ConfirmedAt = &confirmedAt
	return true, nil
}

func (m *MemoryStore) InsertTrade(ctx context.Context, t *database.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID
	m.nextID++
	m.trades = append(m.trades, *t)
	return nil
}

func (m *MemoryStore) InsertShadowTrade(ctx context.Context, t *database.ShadowTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID
	m.nextID++
	m.shadows = append(m.shadows, *t)
	return nil
}

// Trades returns a copy of all recorded live trades
func (m *MemoryStore) Trades() []database.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out
}

// ShadowTrades returns a copy of all recorded shadow trades
func (m *MemoryStore) ShadowTrades() []database.ShadowTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.ShadowTrade, len(m.shadows))
	copy(out, m.shadows)
	return out
}
