package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-worker/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trading_assets (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(50) NOT NULL,
			epic VARCHAR(100) NOT NULL UNIQUE,
			broker_kind VARCHAR(20) NOT NULL,
			broker_symbol VARCHAR(100) NOT NULL DEFAULT '',
			category VARCHAR(50) NOT NULL DEFAULT '',
			tick_size DECIMAL(20, 8) NOT NULL DEFAULT 0.01,
			is_crypto BOOLEAN NOT NULL DEFAULT FALSE,
			trades_24_7 BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			trading_mode VARCHAR(20) NOT NULL DEFAULT 'STRICT',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_assets_active ON trading_assets(is_active)`,

		`CREATE TABLE IF NOT EXISTS asset_session_phase_configs (
			id SERIAL PRIMARY KEY,
			asset_id INTEGER NOT NULL REFERENCES trading_assets(id) ON DELETE CASCADE,
			phase VARCHAR(30) NOT NULL,
			start_time_utc VARCHAR(5) NOT NULL,
			end_time_utc VARCHAR(5) NOT NULL,
			is_range_build_phase BOOLEAN NOT NULL DEFAULT FALSE,
			is_trading_phase BOOLEAN NOT NULL DEFAULT FALSE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 100,
			UNIQUE(asset_id, phase)
		)`,

		`CREATE TABLE IF NOT EXISTS breakout_ranges (
			id SERIAL PRIMARY KEY,
			asset_id INTEGER NOT NULL REFERENCES trading_assets(id) ON DELETE CASCADE,
			epic VARCHAR(100) NOT NULL,
			phase VARCHAR(30) NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			height_ticks DECIMAL(20, 8) NOT NULL DEFAULT 0,
			height_points DECIMAL(20, 8) NOT NULL DEFAULT 0,
			candle_count INTEGER NOT NULL DEFAULT 0,
			atr DECIMAL(20, 8),
			is_valid BOOLEAN NOT NULL DEFAULT TRUE,
			manual_high DECIMAL(20, 8),
			manual_low DECIMAL(20, 8),
			last_adjusted_by VARCHAR(100),
			last_adjusted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_breakout_ranges_lookup
			ON breakout_ranges(asset_id, phase, end_time DESC)`,

		`CREATE TABLE IF NOT EXISTS price_snapshots (
			id SERIAL PRIMARY KEY,
			asset_id INTEGER NOT NULL REFERENCES trading_assets(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL,
			price_mid DECIMAL(20, 8) NOT NULL,
			price_bid DECIMAL(20, 8) NOT NULL,
			price_ask DECIMAL(20, 8) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_snapshots_asset_time
			ON price_snapshots(asset_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS worker_status (
			id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			last_run_at TIMESTAMPTZ NOT NULL,
			phase VARCHAR(30) NOT NULL DEFAULT '',
			price_mid DECIMAL(20, 8) NOT NULL DEFAULT 0,
			price_bid DECIMAL(20, 8) NOT NULL DEFAULT 0,
			price_ask DECIMAL(20, 8) NOT NULL DEFAULT 0,
			spread DECIMAL(20, 8) NOT NULL DEFAULT 0,
			setup_count INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			criteria JSONB NOT NULL DEFAULT '[]',
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			shadow_only BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		`CREATE TABLE IF NOT EXISTS asset_diagnostics (
			id SERIAL PRIMARY KEY,
			asset_id INTEGER NOT NULL REFERENCES trading_assets(id) ON DELETE CASCADE,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			candles_evaluated INTEGER NOT NULL DEFAULT 0,
			setups_generated INTEGER NOT NULL DEFAULT 0,
			setups_discarded INTEGER NOT NULL DEFAULT 0,
			risk_evaluated INTEGER NOT NULL DEFAULT 0,
			risk_approved INTEGER NOT NULL DEFAULT 0,
			risk_rejected INTEGER NOT NULL DEFAULT 0,
			ranges_built JSONB NOT NULL DEFAULT '{}',
			rejection_reasons JSONB NOT NULL DEFAULT '{}',
			UNIQUE(asset_id, window_start)
		)`,

		`CREATE TABLE IF NOT EXISTS broker_configs (
			id SERIAL PRIMARY KEY,
			broker_kind VARCHAR(20) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			base_url VARCHAR(255) NOT NULL DEFAULT '',
			account_id VARCHAR(100) NOT NULL DEFAULT '',
			vault_path VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_broker_configs_kind
			ON broker_configs(broker_kind, is_active)`,

		`CREATE TABLE IF NOT EXISTS execution_sessions (
			id UUID PRIMARY KEY,
			asset_id INTEGER NOT NULL,
			epic VARCHAR(100) NOT NULL,
			setup_kind VARCHAR(30) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PROPOSED',
			risk_allowed BOOLEAN NOT NULL DEFAULT FALSE,
			risk_reason TEXT NOT NULL DEFAULT '',
			confidence DECIMAL(5, 2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES execution_sessions(id),
			epic VARCHAR(100) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			size DECIMAL(20, 8) NOT NULL,
			entry_level DECIMAL(20, 8) NOT NULL,
			stop_level DECIMAL(20, 8) NOT NULL DEFAULT 0,
			limit_level DECIMAL(20, 8) NOT NULL DEFAULT 0,
			deal_id VARCHAR(100) NOT NULL DEFAULT '',
			deal_reference VARCHAR(100) NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS shadow_trades (
			id SERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES execution_sessions(id),
			epic VARCHAR(100) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			size DECIMAL(20, 8) NOT NULL,
			entry_level DECIMAL(20, 8) NOT NULL,
			stop_level DECIMAL(20, 8) NOT NULL DEFAULT 0,
			limit_level DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
