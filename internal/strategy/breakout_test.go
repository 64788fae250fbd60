package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/market"
)

// historyStub serves canned candle history for the provider
type historyStub struct {
	candles []broker.Candle
}

func (h *historyStub) Kind() broker.Kind                    { return broker.KindMEXC }
func (h *historyStub) Connect(ctx context.Context) error    { return nil }
func (h *historyStub) Disconnect(ctx context.Context) error { return nil }
func (h *historyStub) IsConnected() bool                    { return true }

func (h *historyStub) GetAccountState(ctx context.Context) (*broker.AccountState, error) {
	return nil, nil
}

func (h *historyStub) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (h *historyStub) GetSymbolPrice(ctx context.Context, symbol string) (*broker.SymbolPrice, error) {
	return &broker.SymbolPrice{Symbol: symbol, Bid: 65000, Ask: 65001}, nil
}

func (h *historyStub) GetHistoricalPrices(ctx context.Context, symbol string, resolution broker.Resolution, n int) ([]broker.Candle, error) {
	return h.candles, nil
}

func (h *historyStub) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	return nil, nil
}

// closedCandles builds n closed 1m bars ending several minutes ago, all
// at flat, with the final close overridden.
func closedCandles(symbol string, n int, flat, lastClose float64) []broker.Candle {
	end := time.Now().UTC().Truncate(time.Minute).Add(-5 * time.Minute)
	candles := make([]broker.Candle, n)
	for i := range candles {
		price := flat
		if i == n-1 {
			price = lastClose
		}
		candles[i] = broker.Candle{
			Symbol: symbol,
			Time:   end.Add(time.Duration(i-n+1) * time.Minute),
			Open:   flat,
			High:   price,
			Low:    flat,
			Close:  price,
		}
	}
	return candles
}

func btcAsset() *database.TradingAsset {
	return &database.TradingAsset{
		ID:         2,
		Epic:       "BTCUSDT",
		BrokerKind: "MEXC",
		TickSize:   0.1,
		IsCrypto:   true,
		Trades247:  true,
	}
}

func engineFixture(t *testing.T, stub *historyStub, worker config.WorkerConfig) (*market.Provider, *BreakoutEngine) {
	t.Helper()
	registry := broker.NewRegistry(func(kind broker.Kind) (broker.Client, error) {
		return stub, nil
	}, zerolog.Nop())
	resolver := market.NewPhaseResolver(worker, config.DefaultPhaseWindows())
	provider := market.NewProvider(registry, resolver, market.NewMemoryRangeStore(), zerolog.Nop())
	return provider, NewBreakoutEngine(provider, zerolog.Nop())
}

// londonTime is a Wednesday inside the default London trading window,
// which trades against the Asia range.
var londonTime = time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC)

func seedAsiaRange(t *testing.T, p *market.Provider, asset *database.TradingAsset, high, low float64) {
	t.Helper()
	now := time.Now().UTC()
	err := p.SetAsiaRange(context.Background(), asset, asset.Epic, high, low, now.Add(-8*time.Hour), now.Add(-time.Hour), 480, nil)
	if err != nil {
		t.Fatalf("seeding Asia range: %v", err)
	}
}

func TestBreakoutLongAboveRange(t *testing.T) {
	asset := btcAsset()
	// buffer is 2 ticks = 0.2; close must exceed 65000.2
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 65000.3)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	setups, summary, criteria, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 1 {
		t.Fatalf("setups = %d (%s), want 1", len(setups), summary)
	}

	setup := setups[0]
	if setup.Kind != SetupBreakout || setup.Direction != "LONG" {
		t.Errorf("setup = %s %s", setup.Kind, setup.Direction)
	}
	if setup.ReferencePrice != 65000.3 {
		t.Errorf("reference price = %v", setup.ReferencePrice)
	}
	if setup.Breakout == nil || setup.Breakout.RangePhase != market.PhaseAsiaRange || setup.Breakout.BreakLevel != 65000 {
		t.Errorf("breakout context = %+v", setup.Breakout)
	}
	for _, c := range criteria {
		if !c.Passed {
			t.Errorf("criterion %s failed on a clean breakout: %s", c.Name, c.Detail)
		}
	}
}

func TestBreakoutShortBelowRange(t *testing.T) {
	asset := btcAsset()
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 64499.7)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	setups, _, _, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 1 || setups[0].Direction != "SHORT" {
		t.Fatalf("setups = %+v, want one SHORT", setups)
	}
	if setups[0].Breakout.BreakLevel != 64500 {
		t.Errorf("break level = %v, want the range low", setups[0].Breakout.BreakLevel)
	}
}

func TestBreakoutPriceInsideRange(t *testing.T) {
	asset := btcAsset()
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 64900)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	setups, summary, criteria, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 0 {
		t.Fatalf("setups = %+v, want none inside the range", setups)
	}
	if summary != "price inside range" {
		t.Errorf("summary = %q", summary)
	}
	last := criteria[len(criteria)-1]
	if last.Name != "breakout" || last.Passed {
		t.Errorf("final criterion = %+v", last)
	}
}

func TestBreakoutCloseWithinBufferIsNoBreak(t *testing.T) {
	asset := btcAsset()
	// above the high but inside the 2-tick buffer
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 65000.1)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	setups, _, _, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 0 {
		t.Fatalf("buffer zone close generated a setup: %+v", setups)
	}
}

func TestBreakoutRequiresRange(t *testing.T) {
	asset := btcAsset()
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 65100)}
	_, engine := engineFixture(t, stub, config.WorkerConfig{})

	setups, summary, _, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 0 || summary != "no range available" {
		t.Fatalf("setups = %d, summary = %q", len(setups), summary)
	}
}

func TestBreakoutOutsideTradingPhase(t *testing.T) {
	asset := btcAsset()
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 65100)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	// Wednesday noon falls in the gap between London and pre-US windows
	at := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	setups, summary, _, err := engine.EvaluateWithDiagnostics(context.Background(), asset, at)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 0 || summary != "not a trading phase" {
		t.Fatalf("setups = %d, summary = %q", len(setups), summary)
	}
}

func TestBreakoutHonorsManualOverride(t *testing.T) {
	asset := btcAsset()
	stub := &historyStub{candles: closedCandles(asset.Epic, 3, 64800, 65000.3)}
	provider, engine := engineFixture(t, stub, config.WorkerConfig{})
	seedAsiaRange(t, provider, asset, 65000, 64500)

	// raise the effective high past the close via a manual override
	manual := 65100.0
	rng, err := provider.GetAsiaRange(context.Background(), asset, asset.Epic)
	if err != nil || rng == nil {
		t.Fatalf("range fetch: %v", err)
	}
	rng.ManualHigh = &manual

	setups, _, _, err := engine.EvaluateWithDiagnostics(context.Background(), asset, londonTime)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(setups) != 0 {
		t.Fatalf("close below the manual high generated a setup: %+v", setups)
	}
}
