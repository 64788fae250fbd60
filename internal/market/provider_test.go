package market

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/internal/database"
)

func testProvider(store RangeStore) *Provider {
	resolver := defaultResolver()
	return NewProvider(nil, resolver, store, zerolog.Nop())
}

func TestSetPhaseRangePersistsAndCaches(t *testing.T) {
	store := NewMemoryRangeStore()
	p := testProvider(store)
	asset := oilAsset()

	start := utcTime(19, 0, 0)
	end := utcTime(19, 8, 0)
	err := p.SetAsiaRange(context.Background(), asset, asset.Epic, 82.50, 81.90, start, end, 480, nil)
	if err != nil {
		t.Fatalf("SetAsiaRange: %v", err)
	}

	rows := store.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted range, got %d", len(rows))
	}
	rng := rows[0]
	if rng.AssetID != asset.ID || rng.Phase != string(PhaseAsiaRange) {
		t.Errorf("persisted range asset=%d phase=%s", rng.AssetID, rng.Phase)
	}
	if rng.HeightTicks != 60 {
		t.Errorf("HeightTicks = %v, want 60", rng.HeightTicks)
	}

	// the read comes from the cache, never from storage
	store.Loads = 0
	got, err := p.GetAsiaRange(context.Background(), asset, asset.Epic)
	if err != nil {
		t.Fatalf("GetAsiaRange: %v", err)
	}
	if got == nil || got.High != 82.50 || got.Low != 81.90 {
		t.Fatalf("cached range = %+v", got)
	}
	if store.Loads != 0 {
		t.Errorf("warm cache performed %d storage loads", store.Loads)
	}
}

func TestGetPhaseRangeFallsBackToStorageOnce(t *testing.T) {
	store := NewMemoryRangeStore()
	warm := testProvider(store)
	asset := oilAsset()

	now := time.Now().UTC()
	err := warm.SetPreUSRange(context.Background(), asset, asset.Epic, 83.10, 82.40, now.Add(-2*time.Hour), now, 120, nil)
	if err != nil {
		t.Fatalf("SetPreUSRange: %v", err)
	}

	// a fresh provider has an empty cache and must hit storage once
	cold := testProvider(store)
	store.Loads = 0
	got, err := cold.GetPreUSRange(context.Background(), asset, asset.Epic)
	if err != nil {
		t.Fatalf("GetPreUSRange: %v", err)
	}
	if got == nil || got.High != 83.10 {
		t.Fatalf("loaded range = %+v", got)
	}
	if store.Loads != 1 {
		t.Fatalf("cold read performed %d storage loads, want 1", store.Loads)
	}

	if _, err := cold.GetPreUSRange(context.Background(), asset, asset.Epic); err != nil {
		t.Fatalf("second GetPreUSRange: %v", err)
	}
	if store.Loads != 1 {
		t.Errorf("second read went to storage again (%d loads)", store.Loads)
	}
}

func TestGetPhaseRangeWithoutAssetHasNoFallback(t *testing.T) {
	store := NewMemoryRangeStore()
	p := testProvider(store)

	got, err := p.GetPhaseRange(context.Background(), nil, PhaseAsiaRange, "CC.D.CL.UMP.IP")
	if err != nil {
		t.Fatalf("GetPhaseRange: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil range without asset, got %+v", got)
	}
	if store.Loads != 0 {
		t.Errorf("nil-asset lookup touched storage %d times", store.Loads)
	}
}

func TestSetPhaseRangeEpicMismatchOnlyCaches(t *testing.T) {
	store := NewMemoryRangeStore()
	p := testProvider(store)
	asset := oilAsset()

	now := time.Now().UTC()
	err := p.SetPhaseRange(context.Background(), asset, PhaseAsiaRange, "OTHER.EPIC", 100, 99, now.Add(-time.Hour), now, 60, nil)
	if err != nil {
		t.Fatalf("SetPhaseRange: %v", err)
	}
	if len(store.Rows()) != 0 {
		t.Fatalf("mismatched epic must not persist, got %d rows", len(store.Rows()))
	}

	got, err := p.GetPhaseRange(context.Background(), asset, PhaseAsiaRange, "OTHER.EPIC")
	if err != nil {
		t.Fatalf("GetPhaseRange: %v", err)
	}
	if got == nil || got.High != 100 {
		t.Fatalf("cache-only range = %+v", got)
	}
}

func TestSetPhaseRangeRejectsInvertedRange(t *testing.T) {
	store := NewMemoryRangeStore()
	p := testProvider(store)
	asset := oilAsset()

	now := time.Now().UTC()
	err := p.SetAsiaRange(context.Background(), asset, asset.Epic, 81.00, 82.00, now.Add(-time.Hour), now, 60, nil)
	if err != nil {
		t.Fatalf("SetAsiaRange: %v", err)
	}
	if len(store.Rows()) != 0 {
		t.Error("inverted range must not persist")
	}
	got, _ := p.GetAsiaRange(context.Background(), asset, asset.Epic)
	if got != nil {
		t.Errorf("inverted range must not be cached, got %+v", got)
	}
}

func TestClearSessionCachesForcesReload(t *testing.T) {
	store := NewMemoryRangeStore()
	p := testProvider(store)
	asset := oilAsset()

	now := time.Now().UTC()
	if err := p.SetAsiaRange(context.Background(), asset, asset.Epic, 82.50, 81.90, now.Add(-time.Hour), now, 60, nil); err != nil {
		t.Fatalf("SetAsiaRange: %v", err)
	}

	p.ClearSessionCaches()
	store.Loads = 0
	got, err := p.GetAsiaRange(context.Background(), asset, asset.Epic)
	if err != nil {
		t.Fatalf("GetAsiaRange: %v", err)
	}
	if got == nil {
		t.Fatal("persisted range lost after cache clear")
	}
	if store.Loads != 1 {
		t.Errorf("expected exactly one storage load after clear, got %d", store.Loads)
	}
}

func TestManualOverridesWinWhenPositive(t *testing.T) {
	manualHigh := 83.00
	zero := 0.0
	rng := database.BreakoutRange{High: 82.50, Low: 81.90, ManualHigh: &manualHigh, ManualLow: &zero}

	if got := rng.EffectiveHigh(); got != 83.00 {
		t.Errorf("EffectiveHigh = %v, want manual 83.00", got)
	}
	// a zero manual low is ignored
	if got := rng.EffectiveLow(); got != 81.90 {
		t.Errorf("EffectiveLow = %v, want computed 81.90", got)
	}
}

func TestUpdateRangeTracker(t *testing.T) {
	p := testProvider(NewMemoryRangeStore())
	asset := oilAsset()
	now := time.Now().UTC()

	p.UpdateRangeTracker(asset, PhaseAsiaRange, 82.10, now)
	p.UpdateRangeTracker(asset, PhaseAsiaRange, 82.40, now.Add(time.Minute))
	tracker := p.UpdateRangeTracker(asset, PhaseAsiaRange, 81.95, now.Add(2*time.Minute))

	if tracker.High != 82.40 || tracker.Low != 81.95 {
		t.Errorf("tracker high/low = %v/%v", tracker.High, tracker.Low)
	}
	if tracker.Count != 3 {
		t.Errorf("tracker count = %d, want 3", tracker.Count)
	}

	// a different phase tracks independently
	other := p.UpdateRangeTracker(asset, PhasePreUSRange, 90.0, now)
	if other.High != 90.0 || other.Count != 1 {
		t.Errorf("independent tracker = %+v", other)
	}
}
