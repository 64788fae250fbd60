package stream

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/market"
)

// defaultPersistInterval is how often range and candle state is written
const defaultPersistInterval = 60 * time.Second

// CandlePersistence stores aggregated candles across restarts
type CandlePersistence interface {
	SaveCandles(ctx context.Context, symbol string, candles []broker.Candle) error
	LoadCandles(ctx context.Context, symbol string) ([]broker.Candle, error)
}

// SeedableStream is a streaming broker client whose candle cache can be
// preloaded and flushed.
type SeedableStream interface {
	broker.StreamingClient
	SeedCandles(symbol string, candles []broker.Candle)
	FlushForming() []broker.Candle
}

// AssetSource loads the active assets whose symbols are streamed
type AssetSource interface {
	GetActiveAssets(ctx context.Context) ([]database.TradingAsset, error)
}

// Worker runs beside the main loop: it keeps a trade stream open for
// the active asset set, persists candle state on an interval, and
// snapshots per-phase ranges during range-building phases.
type Worker struct {
	client          SeedableStream
	assets          AssetSource
	provider        *market.Provider
	candles         CandlePersistence // nil disables candle persistence
	brokerKind      broker.Kind
	pollInterval    time.Duration
	persistInterval time.Duration
	logger          zerolog.Logger

	streaming []string // symbols currently subscribed
}

// NewWorker creates a streaming worker
func NewWorker(client SeedableStream, assets AssetSource, provider *market.Provider, candles CandlePersistence, brokerKind broker.Kind, pollInterval time.Duration, logger zerolog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		client:          client,
		assets:          assets,
		provider:        provider,
		candles:         candles,
		brokerKind:      brokerKind,
		pollInterval:    pollInterval,
		persistInterval: defaultPersistInterval,
		logger:          logger.With().Str("component", "StreamingWorker").Logger(),
	}
}

// Run streams until the context is cancelled. Returns nil both on clean
// shutdown and when no assets stream on this broker.
func (w *Worker) Run(ctx context.Context) error {
	assets, err := w.streamedAssets(ctx)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		w.logger.Info().Str("broker", string(w.brokerKind)).Msg("no active assets stream on this broker")
		return nil
	}

	if err := w.restartStream(ctx, assets); err != nil {
		return err
	}
	defer w.shutdown(assets)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	persist := time.NewTicker(w.persistInterval)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-persist.C:
			w.persistState(ctx, assets)

		case <-poll.C:
			next, err := w.streamedAssets(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("asset reload failed")
				continue
			}
			w.updateRanges(ctx, next, time.Now().UTC())
			if !sameSymbols(w.streaming, symbolsOf(next)) {
				w.logger.Info().Strs("symbols", symbolsOf(next)).Msg("symbol set changed, restarting stream")
				_ = w.client.StopPriceStream()
				if err := w.restartStream(ctx, next); err != nil {
					w.logger.Warn().Err(err).Msg("stream restart failed")
					continue
				}
			}
			assets = next
		}
	}
}

func (w *Worker) streamedAssets(ctx context.Context) ([]database.TradingAsset, error) {
	all, err := w.assets.GetActiveAssets(ctx)
	if err != nil {
		return nil, err
	}
	var out []database.TradingAsset
	for _, a := range all {
		if a.BrokerKind == string(w.brokerKind) {
			out = append(out, a)
		}
	}
	return out, nil
}

// restartStream seeds persisted candles for each symbol and subscribes
func (w *Worker) restartStream(ctx context.Context, assets []database.TradingAsset) error {
	symbols := symbolsOf(assets)
	if w.candles != nil {
		for _, symbol := range symbols {
			stored, err := w.candles.LoadCandles(ctx, symbol)
			if err != nil {
				w.logger.Warn().Err(err).Str("symbol", symbol).Msg("candle preload failed")
				continue
			}
			if len(stored) > 0 {
				w.client.SeedCandles(symbol, stored)
				w.logger.Info().Str("symbol", symbol).Int("candles", len(stored)).Msg("seeded persisted candles")
			}
		}
	}

	if err := w.client.StartPriceStream(ctx, symbols); err != nil {
		return err
	}
	w.streaming = symbols
	return nil
}

// persistState writes the aggregated candles of every streamed symbol
func (w *Worker) persistState(ctx context.Context, assets []database.TradingAsset) {
	if w.candles == nil {
		return
	}
	for _, asset := range assets {
		symbol := asset.StreamSymbol()
		candles := w.client.GetLiveCandles1m(symbol)
		if len(candles) == 0 {
			continue
		}
		if err := w.candles.SaveCandles(ctx, symbol, candles); err != nil {
			w.logger.Warn().Err(err).Str("symbol", symbol).Msg("candle persistence failed")
		}
	}
}

// updateRanges folds the latest closed candles into per-phase trackers
// and snapshots them during range-building phases.
func (w *Worker) updateRanges(ctx context.Context, assets []database.TradingAsset, now time.Time) {
	resolver := w.provider.Resolver()
	for i := range assets {
		asset := &assets[i]
		phase := w.provider.PhaseFor(asset, now)
		if !resolver.IsRangeBuildPhase(asset, phase) {
			continue
		}

		candles := w.client.GetLiveCandles1m(asset.StreamSymbol())
		if len(candles) == 0 {
			continue
		}
		last := candles[len(candles)-1]
		w.provider.UpdateRangeTracker(asset, phase, last.Close, now)

		tracker, ok := w.provider.Tracker(asset.Epic, phase)
		if !ok || tracker.High <= tracker.Low {
			continue
		}
		err := w.provider.SetPhaseRange(ctx, asset, phase, asset.Epic,
			tracker.High, tracker.Low, tracker.StartedAt, now, tracker.Count, nil)
		if err != nil {
			w.logger.Warn().Err(err).Str("epic", asset.Epic).Msg("range snapshot failed")
		}
	}
}

// shutdown stops the stream, commits in-flight bars and persists the
// final candle state.
func (w *Worker) shutdown(assets []database.TradingAsset) {
	_ = w.client.StopPriceStream()
	flushed := w.client.FlushForming()
	if len(flushed) > 0 {
		w.logger.Info().Int("bars", len(flushed)).Msg("flushed forming candles")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.persistState(ctx, assets)
	w.updateRanges(ctx, assets, time.Now().UTC())
	w.logger.Info().Msg("streaming worker stopped")
}

func symbolsOf(assets []database.TradingAsset) []string {
	symbols := make([]string, 0, len(assets))
	for i := range assets {
		symbols = append(symbols, assets[i].StreamSymbol())
	}
	sort.Strings(symbols)
	return symbols
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
