package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/market"
)

// EIAEngine trades the minutes after the weekly EIA inventory report.
// A move beyond trenddayThreshold ticks from the pre-report price is
// followed; a smaller spike fades back toward the reference.
type EIAEngine struct {
	provider *market.Provider
	logger   zerolog.Logger

	// thresholds in ticks relative to the pre-report reference
	trenddayThreshold  float64
	reversionThreshold float64
}

// NewEIAEngine creates an EIA engine with default thresholds
func NewEIAEngine(provider *market.Provider, logger zerolog.Logger) *EIAEngine {
	return &EIAEngine{
		provider:           provider,
		logger:             logger.With().Str("component", "EIAEngine").Logger(),
		trenddayThreshold:  60,
		reversionThreshold: 15,
	}
}

func (e *EIAEngine) Name() string { return "eia" }

// Evaluate returns EIA setups for the asset at now
func (e *EIAEngine) Evaluate(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, error) {
	setups, _, _, err := e.EvaluateWithDiagnostics(ctx, asset, now)
	return setups, err
}

// EvaluateWithDiagnostics returns setups plus per-criterion detail.
// EIA_PRE never emits; it only confirms data is flowing before the
// report drops.
func (e *EIAEngine) EvaluateWithDiagnostics(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, string, []database.CriterionInfo, error) {
	var criteria []database.CriterionInfo
	fail := func(summary string) ([]SetupCandidate, string, []database.CriterionInfo, error) {
		return nil, summary, criteria, nil
	}

	phase := e.provider.PhaseFor(asset, now)
	criteria = append(criteria, database.CriterionInfo{
		Name:   "eia_window",
		Passed: phase == market.PhaseEIAPre || phase == market.PhaseEIAPost,
		Detail: fmt.Sprintf("phase %s", phase),
	})
	if phase != market.PhaseEIAPre && phase != market.PhaseEIAPost {
		return fail("outside EIA window")
	}
	if phase == market.PhaseEIAPre {
		criteria = append(criteria, database.CriterionInfo{
			Name:   "data_flowing",
			Passed: !e.provider.CheckNoDataWarning(asset.Epic),
			Detail: "pre-report observation only",
		})
		return fail("pre-report window, observing")
	}

	candles, err := e.provider.GetRecentCandles(ctx, asset, broker.Resolution1m, 30, true)
	if err != nil {
		return nil, "", criteria, fmt.Errorf("loading recent candles: %w", err)
	}
	criteria = append(criteria, database.CriterionInfo{
		Name:   "price_available",
		Passed: len(candles) >= 2,
		Detail: fmt.Sprintf("%d closed candles", len(candles)),
	})
	if len(candles) < 2 {
		return fail("insufficient candle history")
	}

	// reference is the oldest close in the window, before the report hit
	reference := candles[0].Close
	current := candles[len(candles)-1].Close
	moveTicks := current - reference
	if asset.TickSize > 0 {
		moveTicks = (current - reference) / asset.TickSize
	}
	absMove := math.Abs(moveTicks)

	criteria = append(criteria, database.CriterionInfo{
		Name:   "post_report_move",
		Passed: absMove >= e.reversionThreshold,
		Detail: fmt.Sprintf("move %.1f ticks from %.5f", moveTicks, reference),
	})
	if absMove < e.reversionThreshold {
		return fail("post-report move too small")
	}

	kind := SetupEIAReversion
	direction := "SHORT" // fade an up-spike
	if moveTicks < 0 {
		direction = "LONG"
	}
	if absMove >= e.trenddayThreshold {
		kind = SetupEIATrendday
		direction = "LONG" // follow the move
		if moveTicks < 0 {
			direction = "SHORT"
		}
	}
	criteria = append(criteria, database.CriterionInfo{
		Name:   "trend_day",
		Passed: kind == SetupEIATrendday,
		Detail: fmt.Sprintf("threshold %.0f ticks", e.trenddayThreshold),
	})

	setup := SetupCandidate{
		ID:             uuid.New(),
		CreatedAt:      now.UTC(),
		Epic:           asset.Epic,
		Kind:           kind,
		Phase:          phase,
		ReferencePrice: current,
		Direction:      direction,
		EIA: &EIAContext{
			ReferencePrice: reference,
			CurrentPrice:   current,
			MovePoints:     current - reference,
		},
	}

	e.logger.Info().Str("epic", asset.Epic).Str("kind", string(kind)).
		Str("direction", direction).Float64("move_ticks", moveTicks).
		Msg("EIA setup generated")

	summary := fmt.Sprintf("%s %s after %.1f tick post-report move", direction, kind, moveTicks)
	return []SetupCandidate{setup}, summary, criteria, nil
}
