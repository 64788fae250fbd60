package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/market"
)

// breakoutBufferTicks is how far beyond the range edge price must close
// before a break counts.
const breakoutBufferTicks = 2

// rangeSourceFor maps a trading phase to the range phase it trades against
func rangeSourceFor(phase market.SessionPhase) (market.SessionPhase, bool) {
	switch phase {
	case market.PhaseLondonCore:
		return market.PhaseAsiaRange, true
	case market.PhaseUSCoreTrading, market.PhaseUSCore:
		return market.PhasePreUSRange, true
	default:
		return "", false
	}
}

// BreakoutEngine emits a setup when the last closed candle breaks out of
// the session range built in the preceding range phase.
type BreakoutEngine struct {
	provider *market.Provider
	logger   zerolog.Logger
}

// NewBreakoutEngine creates a breakout engine over the provider
func NewBreakoutEngine(provider *market.Provider, logger zerolog.Logger) *BreakoutEngine {
	return &BreakoutEngine{
		provider: provider,
		logger:   logger.With().Str("component", "BreakoutEngine").Logger(),
	}
}

func (e *BreakoutEngine) Name() string { return "breakout" }

// Evaluate returns breakout setups for the asset at now
func (e *BreakoutEngine) Evaluate(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, error) {
	setups, _, _, err := e.EvaluateWithDiagnostics(ctx, asset, now)
	return setups, err
}

// EvaluateWithDiagnostics returns setups plus the per-criterion detail
// surfaced to the operator UI.
func (e *BreakoutEngine) EvaluateWithDiagnostics(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]SetupCandidate, string, []database.CriterionInfo, error) {
	var criteria []database.CriterionInfo
	fail := func(summary string) ([]SetupCandidate, string, []database.CriterionInfo, error) {
		return nil, summary, criteria, nil
	}

	phase := e.provider.PhaseFor(asset, now)
	trading := e.provider.Resolver().IsTradingPhase(asset, phase)
	criteria = append(criteria, database.CriterionInfo{
		Name:   "trading_phase",
		Passed: trading,
		Detail: fmt.Sprintf("phase %s", phase),
	})
	if !trading {
		return fail("not a trading phase")
	}

	sourcePhase, ok := rangeSourceFor(phase)
	criteria = append(criteria, database.CriterionInfo{
		Name:   "range_source",
		Passed: ok,
		Detail: fmt.Sprintf("source phase for %s", phase),
	})
	if !ok {
		return fail("no range source for phase")
	}

	rng, err := e.provider.GetPhaseRange(ctx, asset, sourcePhase, asset.Epic)
	if err != nil {
		return nil, "", criteria, fmt.Errorf("loading %s range: %w", sourcePhase, err)
	}
	criteria = append(criteria, database.CriterionInfo{
		Name:   "range_available",
		Passed: rng != nil,
		Detail: fmt.Sprintf("%s range for %s", sourcePhase, asset.Epic),
	})
	if rng == nil {
		return fail("no range available")
	}

	high := rng.EffectiveHigh()
	low := rng.EffectiveLow()
	criteria = append(criteria, database.CriterionInfo{
		Name:   "range_valid",
		Passed: high > low,
		Detail: fmt.Sprintf("high=%.5f low=%.5f", high, low),
	})
	if high <= low {
		return fail("range invalid")
	}

	candles, err := e.provider.GetRecentCandles(ctx, asset, broker.Resolution1m, 3, true)
	if err != nil {
		return nil, "", criteria, fmt.Errorf("loading recent candles: %w", err)
	}
	criteria = append(criteria, database.CriterionInfo{
		Name:   "price_available",
		Passed: len(candles) > 0,
		Detail: fmt.Sprintf("%d closed candles", len(candles)),
	})
	if len(candles) == 0 {
		return fail("no closed candles")
	}

	last := candles[len(candles)-1]
	buffer := breakoutBufferTicks * asset.TickSize
	breakUp := last.Close > high+buffer
	breakDown := last.Close < low-buffer
	criteria = append(criteria, database.CriterionInfo{
		Name:   "breakout",
		Passed: breakUp || breakDown,
		Detail: fmt.Sprintf("close=%.5f range=[%.5f, %.5f] buffer=%.5f", last.Close, low, high, buffer),
	})
	if !breakUp && !breakDown {
		return fail("price inside range")
	}

	direction := "LONG"
	breakLevel := high
	if breakDown {
		direction = "SHORT"
		breakLevel = low
	}

	setup := SetupCandidate{
		ID:             uuid.New(),
		CreatedAt:      now.UTC(),
		Epic:           asset.Epic,
		Kind:           SetupBreakout,
		Phase:          phase,
		ReferencePrice: last.Close,
		Direction:      direction,
		Breakout: &BreakoutContext{
			RangePhase:  sourcePhase,
			RangeHigh:   high,
			RangeLow:    low,
			RangeHeight: high - low,
			BreakLevel:  breakLevel,
			RangeID:     rng.ID,
		},
		QualityFlags: map[string]bool{
			"closed_candle_break": true,
			"manual_range":        rng.ManualHigh != nil || rng.ManualLow != nil,
		},
	}

	e.logger.Info().Str("epic", asset.Epic).Str("direction", direction).
		Float64("close", last.Close).Float64("break_level", breakLevel).
		Msg("breakout setup generated")

	summary := fmt.Sprintf("%s breakout of %s range at %.5f", direction, sourcePhase, last.Close)
	return []SetupCandidate{setup}, summary, criteria, nil
}
