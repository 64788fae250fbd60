package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TradeRepository persists execution sessions and their outcomes
type TradeRepository struct {
	db *DB
}

// NewTradeRepository creates a trade repository
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// CreateSession inserts a proposed execution session
func (r *TradeRepository) CreateSession(ctx context.Context, s *ExecutionSession) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO execution_sessions
			(id, asset_id, epic, setup_kind, direction, status,
			 risk_allowed, risk_reason, confidence, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.AssetID, s.Epic, s.SetupKind, s.Direction, s.Status,
		s.RiskAllowed, s.RiskReason, s.Confidence, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting execution session: %w", err)
	}
	return nil
}

// GetSession returns one session by id, or nil
func (r *TradeRepository) GetSession(ctx context.Context, id uuid.UUID) (*ExecutionSession, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT id, asset_id, epic, setup_kind, direction, status,
			risk_allowed, risk_reason, confidence, created_at, confirmed_at
		 FROM execution_sessions WHERE id = $1`, id)

	var s ExecutionSession
	err := row.Scan(&s.ID, &s.AssetID, &s.Epic, &s.SetupKind, &s.Direction,
		&s.Status, &s.RiskAllowed, &s.RiskReason, &s.Confidence,
		&s.CreatedAt, &s.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution session: %w", err)
	}
	return &s, nil
}

// ConfirmSession marks a session LIVE or SHADOW exactly once. Returns
// false when the session was already confirmed.
func (r *TradeRepository) ConfirmSession(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE execution_sessions
		 SET status = $2, confirmed_at = $3
		 WHERE id = $1 AND confirmed_at IS NULL`, id, status, at)
	if err != nil {
		return false, fmt.Errorf("confirming session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertTrade records a confirmed live trade
func (r *TradeRepository) InsertTrade(ctx context.Context, t *TradeRecord) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO trades
			(session_id, epic, direction, size, entry_level, stop_level,
			 limit_level, deal_id, deal_reference, executed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id`,
		t.SessionID, t.Epic, t.Direction, t.Size, t.EntryLevel, t.StopLevel,
		t.LimitLevel, t.DealID, t.DealReference, t.ExecutedAt,
	).Scan(&t.ID)
}

// InsertShadowTrade records a simulated execution
func (r *TradeRepository) InsertShadowTrade(ctx context.Context, t *ShadowTrade) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO shadow_trades
			(session_id, epic, direction, size, entry_level, stop_level,
			 limit_level, reason, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 RETURNING id`,
		t.SessionID, t.Epic, t.Direction, t.Size, t.EntryLevel, t.StopLevel,
		t.LimitLevel, t.Reason, t.RecordedAt,
	).Scan(&t.ID)
}
