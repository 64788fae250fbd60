package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AssetRepository reads trading assets and their phase configs
type AssetRepository struct {
	db *DB
}

// NewAssetRepository creates an asset repository
func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

const assetColumns = `id, symbol, epic, broker_kind, broker_symbol, category,
	tick_size, is_crypto, trades_24_7, is_active, trading_mode, created_at, updated_at`

// GetActiveAssets returns all active assets with their phase configs
// prefetched, one query per table rather than one per asset.
func (r *AssetRepository) GetActiveAssets(ctx context.Context) ([]TradingAsset, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+assetColumns+` FROM trading_assets WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying active assets: %w", err)
	}
	defer rows.Close()

	var assets []TradingAsset
	index := make(map[int64]int)
	for rows.Next() {
		var a TradingAsset
		if err := scanAsset(rows, &a); err != nil {
			return nil, err
		}
		index[a.ID] = len(assets)
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading assets: %w", err)
	}
	if len(assets) == 0 {
		return assets, nil
	}

	ids := make([]int64, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}

	cfgRows, err := r.db.Pool.Query(ctx,
		`SELECT id, asset_id, phase, start_time_utc, end_time_utc,
			is_range_build_phase, is_trading_phase, enabled, priority
		 FROM asset_session_phase_configs
		 WHERE asset_id = ANY($1)
		 ORDER BY asset_id, priority, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying phase configs: %w", err)
	}
	defer cfgRows.Close()

	for cfgRows.Next() {
		var c AssetSessionPhaseConfig
		if err := cfgRows.Scan(&c.ID, &c.AssetID, &c.Phase, &c.StartTimeUTC, &c.EndTimeUTC,
			&c.IsRangeBuild, &c.IsTradingPhase, &c.Enabled, &c.Priority); err != nil {
			return nil, fmt.Errorf("scanning phase config: %w", err)
		}
		if i, ok := index[c.AssetID]; ok {
			assets[i].PhaseConfigs = append(assets[i].PhaseConfigs, c)
		}
	}
	if err := cfgRows.Err(); err != nil {
		return nil, fmt.Errorf("reading phase configs: %w", err)
	}
	return assets, nil
}

// GetAssetByEpic returns one asset with its phase configs, or nil
func (r *AssetRepository) GetAssetByEpic(ctx context.Context, epic string) (*TradingAsset, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM trading_assets WHERE epic = $1`, epic)

	var a TradingAsset
	if err := scanAsset(row, &a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	cfgRows, err := r.db.Pool.Query(ctx,
		`SELECT id, asset_id, phase, start_time_utc, end_time_utc,
			is_range_build_phase, is_trading_phase, enabled, priority
		 FROM asset_session_phase_configs
		 WHERE asset_id = $1
		 ORDER BY priority, id`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("querying phase configs: %w", err)
	}
	defer cfgRows.Close()

	for cfgRows.Next() {
		var c AssetSessionPhaseConfig
		if err := cfgRows.Scan(&c.ID, &c.AssetID, &c.Phase, &c.StartTimeUTC, &c.EndTimeUTC,
			&c.IsRangeBuild, &c.IsTradingPhase, &c.Enabled, &c.Priority); err != nil {
			return nil, fmt.Errorf("scanning phase config: %w", err)
		}
		a.PhaseConfigs = append(a.PhaseConfigs, c)
	}
	return &a, cfgRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner, a *TradingAsset) error {
	if err := row.Scan(&a.ID, &a.Symbol, &a.Epic, &a.BrokerKind, &a.BrokerSymbol,
		&a.Category, &a.TickSize, &a.IsCrypto, &a.Trades247, &a.IsActive,
		&a.TradingMode, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return fmt.Errorf("scanning asset: %w", err)
	}
	return nil
}
