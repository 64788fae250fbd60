package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/internal/ai/ki"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/execution"
	"trading-worker/internal/market"
	"trading-worker/internal/risk"
	"trading-worker/internal/strategy"
)

// reconnectBackoff is how long the loop pauses after dropping broker
// clients on an auth failure.
const reconnectBackoff = 5 * time.Second

// Loop drives the per-tick pipeline over all active assets. One tick's
// failure never terminates the loop; errors land in diagnostics and the
// status row instead.
type Loop struct {
	ctx      *Context
	logger   zerolog.Logger
	breakers *assetBreaker

	// sleep is swapped in tests to avoid real waiting
	sleep func(ctx context.Context, d time.Duration)
}

// NewLoop creates the worker loop around a fully wired context
func NewLoop(workerCtx *Context, logger zerolog.Logger) *Loop {
	return &Loop{
		ctx:      workerCtx,
		logger:   logger.With().Str("component", "WorkerLoop").Logger(),
		breakers: newAssetBreaker(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run ticks until the context is cancelled or the configured iteration
// bound is reached. Returns nil on clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Duration(l.ctx.Cfg.WorkerConfig.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxIterations := l.ctx.Cfg.WorkerConfig.MaxIterations

	l.logger.Info().Dur("interval", interval).Bool("shadow_only", l.ctx.Cfg.WorkerConfig.ShadowOnly).
		Bool("multi_asset", l.ctx.Cfg.WorkerConfig.MultiAsset).Msg("worker loop starting")

	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			l.logger.Info().Msg("worker loop stopping")
			return nil
		}
		if maxIterations > 0 && iteration >= maxIterations {
			l.logger.Info().Int("iterations", iteration).Msg("iteration bound reached")
			return nil
		}

		if err := l.Tick(ctx, time.Now().UTC()); err != nil {
			// Tick errors are already recorded; an auth failure
			// additionally drops all cached broker sessions.
			if errors.Is(err, broker.ErrAuthentication) {
				l.logger.Warn().Err(err).Msg("authentication failure, resetting broker clients")
				l.ctx.Registry.Clear()
				l.sleep(ctx, reconnectBackoff)
			} else {
				l.logger.Error().Err(err).Msg("tick failed")
			}
		}

		l.sleep(ctx, interval)
	}
}

// tickSummary aggregates what one tick observed for the status row
type tickSummary struct {
	phase      market.SessionPhase
	price      *broker.SymbolPrice
	setupCount int
	messages   []string
	criteria   []database.CriterionInfo
}

// Tick processes every active asset once. The returned error is the
// most severe per-asset failure, surfaced so Run can apply the
// reconnect policy; the tick itself always completes.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	assets, err := l.loadAssets(ctx)
	if err != nil {
		l.writeStatus(ctx, &tickSummary{messages: []string{fmt.Sprintf("loading assets: %v", err)}}, now)
		return err
	}
	if len(assets) == 0 {
		l.writeStatus(ctx, &tickSummary{messages: []string{"no active assets"}}, now)
		return nil
	}

	summary := &tickSummary{}
	var tickErr error
	for i := range assets {
		asset := &assets[i]
		if !l.breakers.Allow(asset.Epic, now) {
			l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
				RejectionReasons: map[string]int{"breaker_open": 1},
			})
			continue
		}
		if err := l.processAsset(ctx, asset, now, summary); err != nil {
			l.breakers.RecordFailure(asset.Epic, now)
			if l.breakers.Open(asset.Epic, now) {
				l.logger.Warn().Str("epic", asset.Epic).Msg("asset breaker opened after repeated failures")
			}
			summary.messages = append(summary.messages,
				fmt.Sprintf("%s: %v", asset.Epic, err))
			l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
				RejectionReasons: map[string]int{"asset_error": 1},
			})
			if tickErr == nil || errors.Is(err, broker.ErrAuthentication) {
				tickErr = err
			}
		} else {
			l.breakers.RecordSuccess(asset.Epic)
		}
	}

	l.writeStatus(ctx, summary, now)
	return tickErr
}

func (l *Loop) loadAssets(ctx context.Context) ([]database.TradingAsset, error) {
	assets, err := l.ctx.Assets.GetActiveAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active assets: %w", err)
	}
	if !l.ctx.Cfg.WorkerConfig.MultiAsset {
		epic := l.ctx.Cfg.WorkerConfig.DefaultEpic
		for i := range assets {
			if assets[i].Epic == epic {
				return assets[i : i+1], nil
			}
		}
		return nil, nil
	}
	return assets, nil
}

// processAsset runs steps a-f of the per-tick algorithm for one asset
func (l *Loop) processAsset(ctx context.Context, asset *database.TradingAsset, now time.Time, summary *tickSummary) error {
	kind, ok := broker.ParseKind(asset.BrokerKind)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, asset.BrokerKind)
	}
	if _, err := l.ctx.Registry.Get(ctx, kind); err != nil {
		return fmt.Errorf("broker unavailable: %w", err)
	}

	phase := l.ctx.Provider.PhaseFor(asset, now)
	if summary.phase == "" {
		summary.phase = phase
	}

	price, err := l.ctx.Provider.UpdateCandleFromPrice(ctx, asset, now)
	if err != nil {
		return fmt.Errorf("price update: %w", err)
	}
	if summary.price == nil {
		summary.price = price
	}
	l.recordSnapshot(ctx, asset, price, now)
	l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{CandlesEvaluated: 1})

	resolver := l.ctx.Provider.Resolver()
	if resolver.IsRangeBuildPhase(asset, phase) {
		l.updateRange(ctx, asset, phase, price.Mid(), now)
	}

	if !resolver.IsTradingPhase(asset, phase) {
		l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
			RejectionReasons: map[string]int{"not_trading_phase": 1},
		})
		return nil
	}

	return l.evaluateAndExecute(ctx, asset, price, now, summary)
}

func (l *Loop) updateRange(ctx context.Context, asset *database.TradingAsset, phase market.SessionPhase, mid float64, now time.Time) {
	tracker := l.ctx.Provider.UpdateRangeTracker(asset, phase, mid, now)
	if tracker.High <= tracker.Low {
		return
	}
	err := l.ctx.Provider.SetPhaseRange(ctx, asset, phase, asset.Epic,
		tracker.High, tracker.Low, tracker.StartedAt, now, tracker.Count, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("epic", asset.Epic).Str("phase", string(phase)).
			Msg("range persistence failed")
		return
	}
	l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
		RangesBuilt: map[string]int{string(phase): 1},
	})
}

func (l *Loop) evaluateAndExecute(ctx context.Context, asset *database.TradingAsset, price *broker.SymbolPrice, now time.Time, summary *tickSummary) error {
	var setups []strategy.SetupCandidate
	for _, engine := range l.ctx.Engines {
		engineSetups, msg, criteria, err := engine.EvaluateWithDiagnostics(ctx, asset, now)
		if err != nil {
			// engine failures become a diagnostic, not a tick abort
			summary.messages = append(summary.messages,
				fmt.Sprintf("%s %s: %v", asset.Epic, engine.Name(), err))
			l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
				RejectionReasons: map[string]int{"strategy_error": 1},
			})
			continue
		}
		if msg != "" {
			summary.messages = append(summary.messages, fmt.Sprintf("%s %s: %s", asset.Epic, engine.Name(), msg))
		}
		summary.criteria = append(summary.criteria, criteria...)
		setups = append(setups, engineSetups...)
	}

	summary.setupCount += len(setups)
	if len(setups) > 0 {
		l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
			SetupsGenerated: len(setups),
		})
	}

	for i := range setups {
		if err := l.executeSetup(ctx, asset, &setups[i], price, now); err != nil {
			summary.messages = append(summary.messages,
				fmt.Sprintf("%s execution: %v", asset.Epic, err))
			l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
				RejectionReasons: map[string]int{"execution_error": 1},
			})
		}
	}
	return nil
}

func (l *Loop) executeSetup(ctx context.Context, asset *database.TradingAsset, setup *strategy.SetupCandidate, price *broker.SymbolPrice, now time.Time) error {
	kind, ok := broker.ParseKind(asset.BrokerKind)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, asset.BrokerKind)
	}
	client, err := l.ctx.Registry.Get(ctx, kind)
	if err != nil {
		return err
	}

	account, err := client.GetAccountState(ctx)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	positions, err := client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}

	var kiEval *ki.EvaluationResult
	if l.ctx.KI != nil {
		kiEval = l.ctx.KI.Evaluate(ctx, setup, price, account, len(positions), asset.TickSize)
		if kiEval.SignalStrength == ki.SignalNoTrade {
			l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
				SetupsDiscarded:  1,
				RejectionReasons: map[string]int{"ki_no_trade": 1},
			})
			return nil
		}
	}

	order := l.buildOrder(asset, setup, kiEval, account)

	riskEval := l.ctx.Risk.Evaluate(risk.Input{
		Account:     account,
		Positions:   positions,
		Setup:       setup,
		Order:       order,
		Price:       price,
		TradingMode: asset.TradingMode,
		Now:         now,
	})
	delta := &database.AssetDiagnostics{RiskEvaluated: 1}
	if riskEval.Allowed {
		delta.RiskApproved = 1
	} else {
		delta.RiskRejected = 1
		delta.RejectionReasons = make(map[string]int, len(riskEval.Violations))
		for _, v := range riskEval.Violations {
			delta.RejectionReasons[v]++
		}
	}
	l.recordDiagnostics(ctx, asset.ID, now, delta)

	if l.ctx.Cfg.WorkerConfig.DryRun {
		return nil
	}

	session, err := l.ctx.Exec.ProposeTrade(ctx, asset, setup, kiEval, riskEval, order)
	if err != nil {
		return fmt.Errorf("proposing trade: %w", err)
	}
	outcome, err := l.ctx.Exec.ExecuteSession(ctx, session.ID)
	if err != nil {
		if errors.Is(err, execution.ErrSessionConfirmed) {
			return nil
		}
		return fmt.Errorf("executing session: %w", err)
	}
	if outcome.Degraded {
		l.recordDiagnostics(ctx, asset.ID, now, &database.AssetDiagnostics{
			RejectionReasons: map[string]int{"live_degraded_to_shadow": 1},
		})
	}
	return nil
}

// buildOrder derives the order from the setup and any KI corrections.
// Size defaults to risking the configured equity fraction against the
// stop distance.
func (l *Loop) buildOrder(asset *database.TradingAsset, setup *strategy.SetupCandidate, kiEval *ki.EvaluationResult, account *broker.AccountState) *broker.OrderRequest {
	entry := setup.ReferencePrice

	var stop, limit float64
	if setup.Breakout != nil {
		height := setup.Breakout.RangeHeight
		if setup.Direction == "LONG" {
			stop = setup.Breakout.RangeLow
			limit = entry + height
		} else {
			stop = setup.Breakout.RangeHigh
			limit = entry - height
		}
	} else {
		offset := 20 * asset.TickSize
		if setup.Direction == "LONG" {
			stop = entry - offset
			limit = entry + 2*offset
		} else {
			stop = entry + offset
			limit = entry - 2*offset
		}
	}

	size := 1.0
	riskPct := l.ctx.Cfg.WorkerConfig.RiskPerTradePct
	if account != nil && riskPct > 0 {
		if dist := math.Abs(entry - stop); dist > 0 {
			size = account.Equity * riskPct / 100 / dist
		}
	}

	if kiEval != nil {
		if kiEval.StopLoss > 0 {
			stop = kiEval.StopLoss
		}
		if kiEval.TakeProfit > 0 {
			limit = kiEval.TakeProfit
		}
		if kiEval.Size > 0 {
			size = kiEval.Size
		}
	}

	return &broker.OrderRequest{
		Symbol:     asset.StreamSymbol(),
		Direction:  setup.Direction,
		Size:       size,
		OrderType:  "MARKET",
		Level:      entry,
		StopLevel:  stop,
		LimitLevel: limit,
		Currency:   "USD",
		Reference:  setup.ID.String(),
	}
}

func (l *Loop) recordSnapshot(ctx context.Context, asset *database.TradingAsset, price *broker.SymbolPrice, now time.Time) {
	if l.ctx.Snapshots == nil {
		return
	}
	snapshot := &database.PriceSnapshot{
		AssetID:   asset.ID,
		Timestamp: now,
		PriceMid:  price.Mid(),
		PriceBid:  price.Bid,
		PriceAsk:  price.Ask,
	}
	if err := l.ctx.Snapshots.InsertSnapshot(ctx, snapshot); err != nil {
		l.logger.Warn().Err(err).Str("epic", asset.Epic).Msg("snapshot write failed")
	}
}

func (l *Loop) recordDiagnostics(ctx context.Context, assetID int64, now time.Time, delta *database.AssetDiagnostics) {
	if l.ctx.Diagnostics == nil {
		return
	}
	if err := l.ctx.Diagnostics.AddCounters(ctx, assetID, now, delta); err != nil {
		l.logger.Warn().Err(err).Int64("asset_id", assetID).Msg("diagnostics write failed")
	}
}

func (l *Loop) writeStatus(ctx context.Context, summary *tickSummary, now time.Time) {
	status := &database.WorkerStatus{
		LastRunAt:       now,
		Phase:           string(summary.phase),
		SetupCount:      summary.setupCount,
		Message:         joinMessages(summary.messages),
		Criteria:        summary.criteria,
		IntervalSeconds: l.ctx.Cfg.WorkerConfig.IntervalSeconds,
		ShadowOnly:      l.ctx.Cfg.WorkerConfig.ShadowOnly,
	}
	if summary.price != nil {
		status.PriceMid = summary.price.Mid()
		status.PriceBid = summary.price.Bid
		status.PriceAsk = summary.price.Ask
		status.Spread = summary.price.Spread()
	}
	if err := l.ctx.Status.UpsertStatus(ctx, status); err != nil {
		l.logger.Warn().Err(err).Msg("status write failed")
	}
}

// TrimSnapshots drops price snapshots older than the retention window.
// Scheduled hourly from the entrypoint.
func (l *Loop) TrimSnapshots(ctx context.Context) {
	if l.ctx.Snapshots == nil {
		return
	}
	keep := l.ctx.Cfg.WorkerConfig.SnapshotKeepHrs
	if keep <= 0 {
		keep = 72
	}
	cutoff := time.Now().UTC().Add(-time.Duration(keep) * time.Hour)
	removed, err := l.ctx.Snapshots.TrimBefore(ctx, cutoff)
	if err != nil {
		l.logger.Warn().Err(err).Msg("snapshot trim failed")
		return
	}
	if removed > 0 {
		l.logger.Info().Int64("removed", removed).Msg("trimmed old price snapshots")
	}
}

func joinMessages(messages []string) string {
	if len(messages) == 0 {
		return "ok"
	}
	out := messages[0]
	for _, m := range messages[1:] {
		out += "; " + m
	}
	return out
}
