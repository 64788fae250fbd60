package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/execution"
	"trading-worker/internal/market"
	"trading-worker/internal/risk"
	"trading-worker/internal/strategy"
)

// venueStub is a broker client whose quote endpoint can be failed
type venueStub struct {
	kind      broker.Kind
	connected bool
	priceErr  error
}

func (v *venueStub) Kind() broker.Kind                    { return v.kind }
func (v *venueStub) Connect(ctx context.Context) error    { v.connected = true; return nil }
func (v *venueStub) Disconnect(ctx context.Context) error { v.connected = false; return nil }
func (v *venueStub) IsConnected() bool                    { return v.connected }

func (v *venueStub) GetAccountState(ctx context.Context) (*broker.AccountState, error) {
	return &broker.AccountState{Balance: 10000, Available: 8000, Equity: 10000}, nil
}

func (v *venueStub) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (v *venueStub) GetSymbolPrice(ctx context.Context, symbol string) (*broker.SymbolPrice, error) {
	if v.priceErr != nil {
		return nil, v.priceErr
	}
	return &broker.SymbolPrice{Symbol: symbol, Bid: 65000.0, Ask: 65000.5, Timestamp: time.Now().UTC()}, nil
}

func (v *venueStub) GetHistoricalPrices(ctx context.Context, symbol string, resolution broker.Resolution, n int) ([]broker.Candle, error) {
	return nil, nil
}

func (v *venueStub) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{DealID: "D1", Status: "ACCEPTED", Level: req.Level, Size: req.Size, Timestamp: time.Now().UTC()}, nil
}

type assetSourceStub struct {
	assets []database.TradingAsset
	err    error
}

func (s *assetSourceStub) GetActiveAssets(ctx context.Context) ([]database.TradingAsset, error) {
	return s.assets, s.err
}

type statusSinkStub struct {
	mu       sync.Mutex
	statuses []database.WorkerStatus
}

func (s *statusSinkStub) UpsertStatus(ctx context.Context, status *database.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, *status)
	return nil
}

func (s *statusSinkStub) last(t *testing.T) database.WorkerStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		t.Fatal("no status written")
	}
	return s.statuses[len(s.statuses)-1]
}

type diagSinkStub struct {
	mu      sync.Mutex
	byAsset map[int64]*database.AssetDiagnostics
}

func newDiagSink() *diagSinkStub {
	return &diagSinkStub{byAsset: make(map[int64]*database.AssetDiagnostics)}
}

func (s *diagSinkStub) AddCounters(ctx context.Context, assetID int64, at time.Time, delta *database.AssetDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byAsset[assetID]
	if !ok {
		existing = &database.AssetDiagnostics{AssetID: assetID}
		s.byAsset[assetID] = existing
	}
	existing.Merge(delta)
	return nil
}

func (s *diagSinkStub) forAsset(assetID int64) database.AssetDiagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byAsset[assetID]; ok {
		return *d
	}
	return database.AssetDiagnostics{}
}

type snapshotSinkStub struct {
	mu      sync.Mutex
	inserts int
}

func (s *snapshotSinkStub) InsertSnapshot(ctx context.Context, snap *database.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	return nil
}

func (s *snapshotSinkStub) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fixedEngine emits one setup for a single epic and nothing otherwise
type fixedEngine struct {
	epic string
}

func (e *fixedEngine) Name() string { return "fixed" }

func (e *fixedEngine) Evaluate(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]strategy.SetupCandidate, error) {
	setups, _, _, err := e.EvaluateWithDiagnostics(ctx, asset, now)
	return setups, err
}

func (e *fixedEngine) EvaluateWithDiagnostics(ctx context.Context, asset *database.TradingAsset, now time.Time) ([]strategy.SetupCandidate, string, []database.CriterionInfo, error) {
	criteria := []database.CriterionInfo{{Name: "fixed", Passed: asset.Epic == e.epic}}
	if asset.Epic != e.epic {
		return nil, "no setup", criteria, nil
	}
	setup := strategy.SetupCandidate{
		ID:             uuid.New(),
		CreatedAt:      now,
		Epic:           asset.Epic,
		Kind:           strategy.SetupBreakout,
		Phase:          market.PhaseLondonCore,
		ReferencePrice: 65000.25,
		Direction:      "LONG",
	}
	return []strategy.SetupCandidate{setup}, "setup emitted", criteria, nil
}

type loopFixture struct {
	loop    *Loop
	clients map[broker.Kind]*venueStub
	status  *statusSinkStub
	diag    *diagSinkStub
	snaps   *snapshotSinkStub
	store   *execution.MemoryStore
}

func newLoopFixture(t *testing.T, assets []database.TradingAsset) *loopFixture {
	t.Helper()

	clients := map[broker.Kind]*venueStub{
		broker.KindIG:   {kind: broker.KindIG},
		broker.KindMEXC: {kind: broker.KindMEXC},
	}
	registry := broker.NewRegistry(func(kind broker.Kind) (broker.Client, error) {
		if c, ok := clients[kind]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, kind)
	}, zerolog.Nop())

	cfg := &config.Config{
		WorkerConfig: config.WorkerConfig{
			IntervalSeconds:  1,
			MultiAsset:       true,
			ShadowOnly:       true,
			MaxIterations:    1,
			RiskPerTradePct:  1.0,
			MaxOpenPositions: 3,
			MaxSpreadPoints:  6.0,
		},
		PhaseDefaults: config.DefaultPhaseWindows(),
	}

	resolver := market.NewPhaseResolver(cfg.WorkerConfig, cfg.PhaseDefaults)
	provider := market.NewProvider(registry, resolver, market.NewMemoryRangeStore(), zerolog.Nop())
	store := execution.NewMemoryStore()

	status := &statusSinkStub{}
	diag := newDiagSink()
	snaps := &snapshotSinkStub{}

	workerCtx := &Context{
		Cfg:      cfg,
		Registry: registry,
		Provider: provider,
		Engines:  []strategy.Engine{&fixedEngine{epic: "BTCUSDT"}},
		Risk:     risk.NewEngine(cfg.WorkerConfig, zerolog.Nop()),
		Exec:     execution.NewService(registry, store, true, false, zerolog.Nop()),

		Assets:      &assetSourceStub{assets: assets},
		Status:      status,
		Diagnostics: diag,
		Snapshots:   snaps,
	}

	loop := NewLoop(workerCtx, zerolog.Nop())
	loop.sleep = func(ctx context.Context, d time.Duration) {}
	return &loopFixture{loop: loop, clients: clients, status: status, diag: diag, snaps: snaps, store: store}
}

func testAssets() []database.TradingAsset {
	return []database.TradingAsset{
		{ID: 1, Epic: "CC.D.CL.UMP.IP", BrokerKind: "IG", TickSize: 0.01},
		{ID: 2, Epic: "BTCUSDT", BrokerKind: "MEXC", TickSize: 0.1, IsCrypto: true, Trades247: true},
	}
}

// tickTime is a Wednesday inside the default London trading window
var tickTime = time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC)

func TestTickIsolatesPerAssetFailures(t *testing.T) {
	f := newLoopFixture(t, testAssets())
	f.clients[broker.KindIG].priceErr = fmt.Errorf("%w: feed down", broker.ErrNetwork)

	err := f.loop.Tick(context.Background(), tickTime)
	if err == nil {
		t.Fatal("tick should surface the failing asset's error")
	}

	// the first asset failed, the second one still ran the full pipeline
	status := f.status.last(t)
	if !strings.Contains(status.Message, "CC.D.CL.UMP.IP") {
		t.Errorf("status message missing failed epic: %q", status.Message)
	}
	if status.SetupCount != 1 {
		t.Errorf("setup count = %d, want the healthy asset's setup", status.SetupCount)
	}

	failed := f.diag.forAsset(1)
	if failed.RejectionReasons["asset_error"] != 1 {
		t.Errorf("failed asset diagnostics = %+v", failed)
	}
	healthy := f.diag.forAsset(2)
	if healthy.CandlesEvaluated != 1 || healthy.SetupsGenerated != 1 || healthy.RiskEvaluated != 1 {
		t.Errorf("healthy asset diagnostics = %+v", healthy)
	}

	// shadow-only mode: the approved setup became a shadow trade
	if shadows := f.store.ShadowTrades(); len(shadows) != 1 || shadows[0].Epic != "BTCUSDT" {
		t.Errorf("shadow trades = %+v", shadows)
	}
}

func TestTickHealthyPath(t *testing.T) {
	f := newLoopFixture(t, testAssets())

	if err := f.loop.Tick(context.Background(), tickTime); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	status := f.status.last(t)
	if status.Phase != string(market.PhaseLondonCore) {
		t.Errorf("status phase = %s", status.Phase)
	}
	if status.PriceMid == 0 || status.Spread == 0 {
		t.Errorf("status price not populated: %+v", status)
	}
	if f.snaps.inserts != 2 {
		t.Errorf("snapshots recorded = %d, want one per asset", f.snaps.inserts)
	}

	risked := f.diag.forAsset(2)
	if risked.RiskApproved != 1 || risked.RiskRejected != 0 {
		t.Errorf("risk diagnostics = %+v", risked)
	}
}

func TestTickNoActiveAssets(t *testing.T) {
	f := newLoopFixture(t, nil)

	if err := f.loop.Tick(context.Background(), tickTime); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	status := f.status.last(t)
	if !strings.Contains(status.Message, "no active assets") {
		t.Errorf("status message = %q", status.Message)
	}
}

func TestSingleAssetModeFiltersByDefaultEpic(t *testing.T) {
	f := newLoopFixture(t, testAssets())
	f.loop.ctx.Cfg.WorkerConfig.MultiAsset = false
	f.loop.ctx.Cfg.WorkerConfig.DefaultEpic = "BTCUSDT"

	if err := f.loop.Tick(context.Background(), tickTime); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.snaps.inserts != 1 {
		t.Errorf("single-asset mode touched %d assets", f.snaps.inserts)
	}
	if got := f.diag.forAsset(1); got.CandlesEvaluated != 0 {
		t.Errorf("filtered asset was processed: %+v", got)
	}
}

func TestRunClearsRegistryOnAuthFailure(t *testing.T) {
	f := newLoopFixture(t, testAssets())
	f.clients[broker.KindIG].priceErr = fmt.Errorf("%w: token rejected", broker.ErrAuthentication)

	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if size := f.loop.ctx.Registry.Size(); size != 0 {
		t.Errorf("registry size after auth failure = %d, want 0", size)
	}
}

func TestRunHonorsIterationBound(t *testing.T) {
	f := newLoopFixture(t, testAssets())
	f.loop.ctx.Cfg.WorkerConfig.MaxIterations = 3

	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.status.mu.Lock()
	writes := len(f.status.statuses)
	f.status.mu.Unlock()
	if writes != 3 {
		t.Errorf("status written %d times, want one per iteration", writes)
	}
}
