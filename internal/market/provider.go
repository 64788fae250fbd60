package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/internal/broker"
	"trading-worker/internal/database"
)

// rangeFreshness bounds how old a persisted range may be before it is
// no longer loaded back into the cache.
const rangeFreshness = 24 * time.Hour

type rangeKey struct {
	epic  string
	phase SessionPhase
}

type bufferKey struct {
	epic       string
	resolution broker.Resolution
}

// RangeTracker accumulates the running high/low of one phase window
type RangeTracker struct {
	Phase     SessionPhase
	High      float64
	Low       float64
	StartedAt time.Time
	UpdatedAt time.Time
	Count     int
}

// Provider is the per-process market state view. It resolves phases,
// maintains candle buffers and per-phase range caches, and falls back to
// persisted ranges when a cache entry is missing. Assets are passed per
// call; the provider holds no current-asset state.
type Provider struct {
	mu sync.Mutex

	registry   *broker.Registry
	resolver   *PhaseResolver
	rangeStore RangeStore
	logger     zerolog.Logger

	rangeCache   map[rangeKey]*database.BreakoutRange
	buffers      map[bufferKey][]broker.Candle
	candleCounts map[string]int
	trackers     map[rangeKey]*RangeTracker
	maxBuffer    int
}

// NewProvider creates a market state provider
func NewProvider(registry *broker.Registry, resolver *PhaseResolver, store RangeStore, logger zerolog.Logger) *Provider {
	return &Provider{
		registry:     registry,
		resolver:     resolver,
		rangeStore:   store,
		logger:       logger.With().Str("component", "MarketProvider").Logger(),
		rangeCache:   make(map[rangeKey]*database.BreakoutRange),
		buffers:      make(map[bufferKey][]broker.Candle),
		candleCounts: make(map[string]int),
		trackers:     make(map[rangeKey]*RangeTracker),
		maxBuffer:    500,
	}
}

// Resolver exposes the phase resolver
func (p *Provider) Resolver() *PhaseResolver { return p.resolver }

// PhaseFor resolves the session phase for an asset at now
func (p *Provider) PhaseFor(asset *database.TradingAsset, now time.Time) SessionPhase {
	return p.resolver.PhaseFor(asset, now)
}

// UpdateCandleFromPrice fetches the asset's current quote, folds it into
// the 1m candle buffer as a one-sample bar, and returns the quote.
// Consecutive quotes in the same minute update the same bar.
func (p *Provider) UpdateCandleFromPrice(ctx context.Context, asset *database.TradingAsset, now time.Time) (*broker.SymbolPrice, error) {
	kind, ok := broker.ParseKind(asset.BrokerKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, asset.BrokerKind)
	}
	client, err := p.registry.Get(ctx, kind)
	if err != nil {
		return nil, err
	}
	price, err := client.GetSymbolPrice(ctx, asset.StreamSymbol())
	if err != nil {
		return nil, err
	}

	mid := price.Mid()
	bucket := now.UTC().Truncate(time.Minute)

	p.mu.Lock()
	defer p.mu.Unlock()

	key := bufferKey{epic: asset.Epic, resolution: broker.Resolution1m}
	buf := p.buffers[key]
	if n := len(buf); n > 0 && buf[n-1].Time.Equal(bucket) {
		bar := &buf[n-1]
		bar.Close = mid
		if mid > bar.High {
			bar.High = mid
		}
		if mid < bar.Low {
			bar.Low = mid
		}
		bar.TradeCount++
	} else {
		buf = append(buf, broker.Candle{
			Symbol:     asset.Epic,
			Time:       bucket,
			Open:       mid,
			High:       mid,
			Low:        mid,
			Close:      mid,
			TradeCount: 1,
		})
		if len(buf) > p.maxBuffer {
			buf = buf[len(buf)-p.maxBuffer:]
		}
	}
	p.buffers[key] = buf
	p.candleCounts[asset.Epic]++
	return price, nil
}

// GetRecentCandles returns the last n candles for the asset, preferring
// broker history over the synthesized buffer. With closedOnly the bar of
// the current minute is dropped.
func (p *Provider) GetRecentCandles(ctx context.Context, asset *database.TradingAsset, resolution broker.Resolution, n int, closedOnly bool) ([]broker.Candle, error) {
	now := time.Now().UTC()

	candles, err := p.historicalCandles(ctx, asset, resolution, n+1)
	if err != nil {
		p.logger.Debug().Err(err).Str("epic", asset.Epic).Msg("historical fetch failed, using local buffer")
		p.mu.Lock()
		buf := p.buffers[bufferKey{epic: asset.Epic, resolution: resolution}]
		candles = make([]broker.Candle, len(buf))
		copy(candles, buf)
		p.mu.Unlock()
	}

	if closedOnly {
		currentMinute := now.Truncate(time.Minute)
		for len(candles) > 0 && !candles[len(candles)-1].Time.Before(currentMinute) {
			candles = candles[:len(candles)-1]
		}
	}
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

func (p *Provider) historicalCandles(ctx context.Context, asset *database.TradingAsset, resolution broker.Resolution, n int) ([]broker.Candle, error) {
	kind, ok := broker.ParseKind(asset.BrokerKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, asset.BrokerKind)
	}
	client, err := p.registry.Get(ctx, kind)
	if err != nil {
		return nil, err
	}
	return client.GetHistoricalPrices(ctx, asset.StreamSymbol(), resolution, n)
}

// UpdateRangeTracker folds a mid price into the asset's tracker for the
// phase, opening it on first use. Returns the tracker's current state.
func (p *Provider) UpdateRangeTracker(asset *database.TradingAsset, phase SessionPhase, mid float64, now time.Time) RangeTracker {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := rangeKey{epic: asset.Epic, phase: phase}
	t := p.trackers[key]
	if t == nil {
		t = &RangeTracker{Phase: phase, High: mid, Low: mid, StartedAt: now.UTC()}
		p.trackers[key] = t
	}
	if mid > t.High {
		t.High = mid
	}
	if mid < t.Low {
		t.Low = mid
	}
	t.Count++
	t.UpdatedAt = now.UTC()
	return *t
}

// SetPhaseRange writes the in-memory cache for (epic, phase) and, when
// the epic belongs to the given asset, persists a snapshot. A mismatched
// epic only updates the cache.
func (p *Provider) SetPhaseRange(ctx context.Context, asset *database.TradingAsset, phase SessionPhase, epic string, high, low float64, start, end time.Time, candleCount int, atr *float64) error {
	if high <= low {
		p.logger.Warn().Str("epic", epic).Str("phase", string(phase)).
			Float64("high", high).Float64("low", low).Msg("ignoring range with high <= low")
		return nil
	}

	rng := &database.BreakoutRange{
		Epic:         epic,
		Phase:        string(phase),
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		High:         high,
		Low:          low,
		HeightPoints: high - low,
		CandleCount:  candleCount,
		ATR:          atr,
		IsValid:      true,
	}

	if asset != nil && asset.Epic == epic {
		rng.AssetID = asset.ID
		if asset.TickSize > 0 {
			rng.HeightTicks = math.Round((high - low) / asset.TickSize)
		}
		if err := p.rangeStore.SaveRange(ctx, rng); err != nil {
			return fmt.Errorf("persisting %s range for %s: %w", phase, epic, err)
		}
	}

	p.mu.Lock()
	p.rangeCache[rangeKey{epic: epic, phase: phase}] = rng
	p.mu.Unlock()
	return nil
}

// SetAsiaRange stores the Asia session range
func (p *Provider) SetAsiaRange(ctx context.Context, asset *database.TradingAsset, epic string, high, low float64, start, end time.Time, candleCount int, atr *float64) error {
	return p.SetPhaseRange(ctx, asset, PhaseAsiaRange, epic, high, low, start, end, candleCount, atr)
}

// SetLondonCoreRange stores the London core range
func (p *Provider) SetLondonCoreRange(ctx context.Context, asset *database.TradingAsset, epic string, high, low float64, start, end time.Time, candleCount int, atr *float64) error {
	return p.SetPhaseRange(ctx, asset, PhaseLondonCore, epic, high, low, start, end, candleCount, atr)
}

// SetPreUSRange stores the pre-US session range
func (p *Provider) SetPreUSRange(ctx context.Context, asset *database.TradingAsset, epic string, high, low float64, start, end time.Time, candleCount int, atr *float64) error {
	return p.SetPhaseRange(ctx, asset, PhasePreUSRange, epic, high, low, start, end, candleCount, atr)
}

// SetUSCoreRange stores the US core range
func (p *Provider) SetUSCoreRange(ctx context.Context, asset *database.TradingAsset, epic string, high, low float64, start, end time.Time, candleCount int, atr *float64) error {
	return p.SetPhaseRange(ctx, asset, PhaseUSCoreTrading, epic, high, low, start, end, candleCount, atr)
}

// GetPhaseRange returns the cached range for (epic, phase). On a miss
// with a known asset it loads the freshest valid snapshot from storage
// and populates the cache; without an asset there is no fallback. Stale
// and inverted rows are dropped.
func (p *Provider) GetPhaseRange(ctx context.Context, asset *database.TradingAsset, phase SessionPhase, epic string) (*database.BreakoutRange, error) {
	key := rangeKey{epic: epic, phase: phase}

	p.mu.Lock()
	if rng, ok := p.rangeCache[key]; ok {
		p.mu.Unlock()
		return rng, nil
	}
	p.mu.Unlock()

	if asset == nil || asset.Epic != epic {
		return nil, nil
	}

	rng, err := p.rangeStore.LatestValidRange(ctx, asset.ID, string(phase), rangeFreshness)
	if err != nil {
		return nil, fmt.Errorf("loading %s range for %s: %w", phase, epic, err)
	}
	if rng == nil {
		return nil, nil
	}
	if rng.EffectiveHigh() <= rng.EffectiveLow() {
		p.logger.Warn().Str("epic", epic).Str("phase", string(phase)).
			Int64("range_id", rng.ID).Msg("dropping persisted range with high <= low")
		return nil, nil
	}

	p.mu.Lock()
	p.rangeCache[key] = rng
	p.mu.Unlock()
	return rng, nil
}

// GetAsiaRange returns the Asia session range
func (p *Provider) GetAsiaRange(ctx context.Context, asset *database.TradingAsset, epic string) (*database.BreakoutRange, error) {
	return p.GetPhaseRange(ctx, asset, PhaseAsiaRange, epic)
}

// GetLondonCoreRange returns the London core range
func (p *Provider) GetLondonCoreRange(ctx context.Context, asset *database.TradingAsset, epic string) (*database.BreakoutRange, error) {
	return p.GetPhaseRange(ctx, asset, PhaseLondonCore, epic)
}

// GetPreUSRange returns the pre-US session range
func (p *Provider) GetPreUSRange(ctx context.Context, asset *database.TradingAsset, epic string) (*database.BreakoutRange, error) {
	return p.GetPhaseRange(ctx, asset, PhasePreUSRange, epic)
}

// GetUSCoreRange returns the US core range
func (p *Provider) GetUSCoreRange(ctx context.Context, asset *database.TradingAsset, epic string) (*database.BreakoutRange, error) {
	return p.GetPhaseRange(ctx, asset, PhaseUSCoreTrading, epic)
}

// CheckNoDataWarning reports whether no candle has been recorded for the
// epic since the last ClearSessionCaches.
func (p *Provider) CheckNoDataWarning(epic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candleCounts[epic] == 0
}

// ClearSessionCaches drops every cache: ranges, candle buffers, counts
// and trackers. The next range lookup goes back to storage.
func (p *Provider) ClearSessionCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rangeCache = make(map[rangeKey]*database.BreakoutRange)
	p.buffers = make(map[bufferKey][]broker.Candle)
	p.candleCounts = make(map[string]int)
	p.trackers = make(map[rangeKey]*RangeTracker)
}

// Tracker returns a copy of the tracker for (epic, phase), if open
func (p *Provider) Tracker(epic string, phase SessionPhase) (RangeTracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.trackers[rangeKey{epic: epic, phase: phase}]; ok {
		return *t, true
	}
	return RangeTracker{}, false
}
