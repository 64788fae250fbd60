package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BrokerConfigRepository stores per-venue connection records
type BrokerConfigRepository struct {
	db *DB
}

// NewBrokerConfigRepository creates a broker config repository
func NewBrokerConfigRepository(db *DB) *BrokerConfigRepository {
	return &BrokerConfigRepository{db: db}
}

// GetActiveConfig returns the active record for a broker kind, or nil
func (r *BrokerConfigRepository) GetActiveConfig(ctx context.Context, brokerKind string) (*BrokerConfig, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT id, broker_kind, is_active, base_url, account_id, vault_path,
			created_at, updated_at
		 FROM broker_configs
		 WHERE broker_kind = $1 AND is_active = TRUE
		 ORDER BY updated_at DESC
		 LIMIT 1`, brokerKind)

	var c BrokerConfig
	err := row.Scan(&c.ID, &c.BrokerKind, &c.IsActive, &c.BaseURL, &c.AccountID,
		&c.VaultPath, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning broker config: %w", err)
	}
	return &c, nil
}

// UpsertConfig writes a config record, used to bootstrap from environment
func (r *BrokerConfigRepository) UpsertConfig(ctx context.Context, c *BrokerConfig) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO broker_configs (broker_kind, is_active, base_url, account_id, vault_path)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id, created_at, updated_at`,
		c.BrokerKind, c.IsActive, c.BaseURL, c.AccountID, c.VaultPath,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// SeedIfEmpty inserts the given records only when the table has none,
// so a fresh database picks up the environment's venue configuration
// without clobbering operator edits on later starts.
func (r *BrokerConfigRepository) SeedIfEmpty(ctx context.Context, configs []BrokerConfig) (int, error) {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM broker_configs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting broker configs: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	seeded := 0
	for i := range configs {
		if err := r.UpsertConfig(ctx, &configs[i]); err != nil {
			return seeded, fmt.Errorf("seeding %s config: %w", configs[i].BrokerKind, err)
		}
		seeded++
	}
	return seeded, nil
}
