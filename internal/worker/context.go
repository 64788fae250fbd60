package worker

import (
	"context"
	"time"

	"trading-worker/config"
	"trading-worker/internal/ai/ki"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/execution"
	"trading-worker/internal/market"
	"trading-worker/internal/risk"
	"trading-worker/internal/strategy"
)

// AssetSource loads the active assets for one tick
type AssetSource interface {
	GetActiveAssets(ctx context.Context) ([]database.TradingAsset, error)
}

// StatusSink writes the singleton worker status row
type StatusSink interface {
	UpsertStatus(ctx context.Context, status *database.WorkerStatus) error
}

// DiagnosticsSink accumulates per-asset hourly counters
type DiagnosticsSink interface {
	AddCounters(ctx context.Context, assetID int64, at time.Time, delta *database.AssetDiagnostics) error
}

// SnapshotSink records observed quotes and trims old ones
type SnapshotSink interface {
	InsertSnapshot(ctx context.Context, s *database.PriceSnapshot) error
	TrimBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Context bundles every service the worker loop drives. It is built
// once at startup and passed explicitly; nothing in the loop reaches
// for process globals.
type Context struct {
	Cfg      *config.Config
	Registry *broker.Registry
	Provider *market.Provider
	Engines  []strategy.Engine
	Risk     *risk.Engine
	KI       *ki.Orchestrator // nil when disabled
	Exec     *execution.Service

	Assets      AssetSource
	Status      StatusSink
	Diagnostics DiagnosticsSink
	Snapshots   SnapshotSink
}
