package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StatusRepository maintains the singleton worker status row
type StatusRepository struct {
	db *DB
}

// NewStatusRepository creates a status repository
func NewStatusRepository(db *DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// UpsertStatus rewrites the singleton row, last writer wins
func (r *StatusRepository) UpsertStatus(ctx context.Context, status *WorkerStatus) error {
	criteria, err := json.Marshal(status.Criteria)
	if err != nil {
		return fmt.Errorf("marshalling criteria: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO worker_status
			(id, last_run_at, phase, price_mid, price_bid, price_ask, spread,
			 setup_count, message, criteria, interval_seconds, shadow_only)
		 VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			phase = EXCLUDED.phase,
			price_mid = EXCLUDED.price_mid,
			price_bid = EXCLUDED.price_bid,
			price_ask = EXCLUDED.price_ask,
			spread = EXCLUDED.spread,
			setup_count = EXCLUDED.setup_count,
			message = EXCLUDED.message,
			criteria = EXCLUDED.criteria,
			interval_seconds = EXCLUDED.interval_seconds,
			shadow_only = EXCLUDED.shadow_only`,
		status.LastRunAt, status.Phase, status.PriceMid, status.PriceBid,
		status.PriceAsk, status.Spread, status.SetupCount, status.Message,
		criteria, status.IntervalSeconds, status.ShadowOnly)
	if err != nil {
		return fmt.Errorf("upserting worker status: %w", err)
	}
	return nil
}

// GetStatus returns the singleton row, or nil before the first tick
func (r *StatusRepository) GetStatus(ctx context.Context) (*WorkerStatus, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT last_run_at, phase, price_mid, price_bid, price_ask, spread,
			setup_count, message, criteria, interval_seconds, shadow_only
		 FROM worker_status WHERE id = 1`)

	var status WorkerStatus
	var criteria []byte
	err := row.Scan(&status.LastRunAt, &status.Phase, &status.PriceMid,
		&status.PriceBid, &status.PriceAsk, &status.Spread, &status.SetupCount,
		&status.Message, &criteria, &status.IntervalSeconds, &status.ShadowOnly)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning worker status: %w", err)
	}
	if err := json.Unmarshal(criteria, &status.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshalling criteria: %w", err)
	}
	return &status, nil
}
