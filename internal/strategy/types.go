package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trading-worker/internal/database"
	"trading-worker/internal/market"
)

// SetupKind tags the variant of a setup candidate
type SetupKind string

const (
	SetupBreakout     SetupKind = "BREAKOUT"
	SetupEIAReversion SetupKind = "EIA_REVERSION"
	SetupEIATrendday  SetupKind = "EIA_TRENDDAY"
)

// BreakoutContext is the payload carried by BREAKOUT setups
type BreakoutContext struct {
	RangePhase  market.SessionPhase `json:"range_phase"`
	RangeHigh   float64             `json:"range_high"`
	RangeLow    float64             `json:"range_low"`
	RangeHeight float64             `json:"range_height"`
	BreakLevel  float64             `json:"break_level"`
	RangeID     int64               `json:"range_id"`
}

// EIAContext is the payload carried by EIA setups
type EIAContext struct {
	ReferencePrice float64 `json:"reference_price"`
	CurrentPrice   float64 `json:"current_price"`
	MovePoints     float64 `json:"move_points"`
}

// SetupCandidate is a proposed trade emitted by an engine, before risk
// and execution. Exactly one of the context payloads is set, matching
// the kind.
type SetupCandidate struct {
	ID             uuid.UUID           `json:"id"`
	CreatedAt      time.Time           `json:"created_at"`
	Epic           string              `json:"epic"`
	Kind           SetupKind           `json:"setup_kind"`
	Phase          market.SessionPhase `json:"phase"`
	ReferencePrice float64             `json:"reference_price"`
	Direction      string              `json:"direction"` // LONG or SHORT
	Breakout       *BreakoutContext    `json:"breakout_context,omitempty"`
	EIA            *EIAContext         `json:"eia_context,omitempty"`
	QualityFlags   map[string]bool     `json:"quality_flags,omitempty"`
}

// Engine evaluates one asset at one instant and emits zero or more
// setups. Implementations are pure over the provider's observable state
// at call time and return setups in generation order.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, error)
	EvaluateWithDiagnostics(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, string, []database.CriterionInfo, error)
}
