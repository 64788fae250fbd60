package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RangeRepository persists and retrieves breakout range snapshots
type RangeRepository struct {
	db *DB
}

// NewRangeRepository creates a range repository
func NewRangeRepository(db *DB) *RangeRepository {
	return &RangeRepository{db: db}
}

// SaveRange inserts one breakout range snapshot
func (r *RangeRepository) SaveRange(ctx context.Context, rng *BreakoutRange) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO breakout_ranges
			(asset_id, epic, phase, start_time, end_time, high, low,
			 height_ticks, height_points, candle_count, atr, is_valid,
			 manual_high, manual_low, last_adjusted_by, last_adjusted_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 RETURNING id, created_at`,
		rng.AssetID, rng.Epic, rng.Phase, rng.StartTime, rng.EndTime,
		rng.High, rng.Low, rng.HeightTicks, rng.HeightPoints, rng.CandleCount,
		rng.ATR, rng.IsValid, rng.ManualHigh, rng.ManualLow,
		rng.LastAdjustedBy, rng.LastAdjustedAt,
	).Scan(&rng.ID, &rng.CreatedAt)
}

// LatestValidRange returns the most recent valid snapshot for the asset
// and phase whose end time falls within maxAge of now. Returns nil when
// none qualifies.
func (r *RangeRepository) LatestValidRange(ctx context.Context, assetID int64, phase string, maxAge time.Duration) (*BreakoutRange, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	row := r.db.Pool.QueryRow(ctx,
		`SELECT id, asset_id, epic, phase, start_time, end_time, high, low,
			height_ticks, height_points, candle_count, atr, is_valid,
			manual_high, manual_low, last_adjusted_by, last_adjusted_at, created_at
		 FROM breakout_ranges
		 WHERE asset_id = $1 AND phase = $2 AND is_valid = TRUE AND end_time >= $3
		 ORDER BY end_time DESC
		 LIMIT 1`, assetID, phase, cutoff)

	var rng BreakoutRange
	err := row.Scan(&rng.ID, &rng.AssetID, &rng.Epic, &rng.Phase, &rng.StartTime,
		&rng.EndTime, &rng.High, &rng.Low, &rng.HeightTicks, &rng.HeightPoints,
		&rng.CandleCount, &rng.ATR, &rng.IsValid, &rng.ManualHigh, &rng.ManualLow,
		&rng.LastAdjustedBy, &rng.LastAdjustedAt, &rng.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning breakout range: %w", err)
	}
	return &rng, nil
}
