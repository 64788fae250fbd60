package database

import (
	"context"
	"fmt"
	"time"
)

// SnapshotRepository persists observed quotes and trims old rows
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a snapshot repository
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertSnapshot records one observed quote for an asset
func (r *SnapshotRepository) InsertSnapshot(ctx context.Context, s *PriceSnapshot) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO price_snapshots (asset_id, timestamp, price_mid, price_bid, price_ask)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id`,
		s.AssetID, s.Timestamp, s.PriceMid, s.PriceBid, s.PriceAsk,
	).Scan(&s.ID)
}

// TrimBefore removes snapshots older than the cutoff, returning the count
func (r *SnapshotRepository) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM price_snapshots WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trimming price snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
