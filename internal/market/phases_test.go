package market

import (
	"testing"
	"time"

	"trading-worker/config"
	"trading-worker/internal/database"
)

func defaultResolver() *PhaseResolver {
	return NewPhaseResolver(config.WorkerConfig{}, config.DefaultPhaseWindows())
}

// utcTime builds a UTC instant on a fixed calendar day. 2026-08-19 is a
// Wednesday; the surrounding days follow.
func utcTime(day, hour, minute int) time.Time {
	return time.Date(2026, 8, day, hour, minute, 0, 0, time.UTC)
}

func oilAsset() *database.TradingAsset {
	return &database.TradingAsset{
		ID:         1,
		Epic:       "CC.D.CL.UMP.IP",
		BrokerKind: "IG",
		TickSize:   0.01,
	}
}

func cryptoAsset() *database.TradingAsset {
	return &database.TradingAsset{
		ID:         2,
		Epic:       "BTCUSDT",
		BrokerKind: "MEXC",
		TickSize:   0.1,
		IsCrypto:   true,
		Trades247:  true,
	}
}

func TestParseMinutes(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 510, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMinutes(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseMinutes(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMinutes(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMinutes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestWindowContainsWrapAroundMidnight(t *testing.T) {
	w := PhaseWindow{StartMinute: 22 * 60, EndMinute: 2 * 60}

	for _, m := range []int{22 * 60, 23 * 60, 0, 60, 119} {
		if !w.Contains(m) {
			t.Errorf("wrap window should contain minute %d", m)
		}
	}
	for _, m := range []int{2 * 60, 12 * 60, 21*60 + 59} {
		if w.Contains(m) {
			t.Errorf("wrap window should not contain minute %d", m)
		}
	}
}

func TestPhaseForDefaultWindows(t *testing.T) {
	r := defaultResolver()

	// Wednesday, walking through the default day
	cases := []struct {
		hour, minute int
		want         SessionPhase
	}{
		{0, 0, PhaseAsiaRange},
		{7, 59, PhaseAsiaRange},
		{8, 0, PhaseLondonCore},
		{10, 59, PhaseLondonCore},
		{11, 0, PhaseOther},
		{13, 0, PhasePreUSRange},
		{15, 0, PhaseUSCoreTrading},
		{21, 59, PhaseUSCoreTrading},
		{22, 0, PhaseOther},
	}
	for _, c := range cases {
		got := r.PhaseFor(oilAsset(), utcTime(19, c.hour, c.minute))
		if got != c.want {
			t.Errorf("PhaseFor(%02d:%02d) = %s, want %s", c.hour, c.minute, got, c.want)
		}
	}
}

func TestPhaseForWeekendGating(t *testing.T) {
	r := defaultResolver()

	// Saturday 14:00 falls inside the PRE_US_RANGE window, but a gated
	// asset resolves OTHER on weekends regardless of windows.
	saturday := utcTime(22, 14, 0)
	if got := r.PhaseFor(oilAsset(), saturday); got != PhaseOther {
		t.Fatalf("gated asset on Saturday 14:00 = %s, want %s", got, PhaseOther)
	}
	if got := r.PhaseFor(oilAsset(), utcTime(23, 9, 30)); got != PhaseOther {
		t.Fatalf("gated asset on Sunday = %s, want %s", got, PhaseOther)
	}

	// A 24/7 crypto asset skips the gate and matches its window.
	if got := r.PhaseFor(cryptoAsset(), saturday); got != PhasePreUSRange {
		t.Fatalf("crypto asset on Saturday 14:00 = %s, want %s", got, PhasePreUSRange)
	}
}

func TestPhaseForFridayLate(t *testing.T) {
	r := defaultResolver()

	// Friday 20:30 is inside the US core window, but past the late cutoff
	if got := r.PhaseFor(oilAsset(), utcTime(21, 20, 30)); got != PhaseFridayLate {
		t.Fatalf("gated asset on Friday 20:30 = %s, want %s", got, PhaseFridayLate)
	}
	if got := r.PhaseFor(oilAsset(), utcTime(21, 19, 59)); got != PhaseUSCoreTrading {
		t.Fatalf("gated asset on Friday 19:59 = %s, want %s", got, PhaseUSCoreTrading)
	}
	if got := r.PhaseFor(cryptoAsset(), utcTime(21, 20, 30)); got != PhaseUSCoreTrading {
		t.Fatalf("crypto asset on Friday 20:30 = %s, want %s", got, PhaseUSCoreTrading)
	}

	if r.IsTradingPhase(oilAsset(), PhaseFridayLate) {
		t.Error("FRIDAY_LATE must not be a trading phase")
	}
}

func TestPhaseForAssetConfigsOverrideDefaults(t *testing.T) {
	r := defaultResolver()
	asset := oilAsset()
	asset.PhaseConfigs = []database.AssetSessionPhaseConfig{
		{Phase: string(PhaseAsiaRange), StartTimeUTC: "01:00", EndTimeUTC: "06:00", IsRangeBuild: true, Enabled: true, Priority: 10},
		{Phase: string(PhaseLondonCore), StartTimeUTC: "06:00", EndTimeUTC: "12:00", IsTradingPhase: true, Enabled: true, Priority: 20},
		{Phase: string(PhaseUSCore), StartTimeUTC: "15:00", EndTimeUTC: "20:00", IsTradingPhase: true, Enabled: false, Priority: 30},
	}

	if got := r.PhaseFor(asset, utcTime(19, 0, 30)); got != PhaseOther {
		t.Errorf("00:30 with shifted Asia window = %s, want %s", got, PhaseOther)
	}
	if got := r.PhaseFor(asset, utcTime(19, 5, 0)); got != PhaseAsiaRange {
		t.Errorf("05:00 = %s, want %s", got, PhaseAsiaRange)
	}
	if got := r.PhaseFor(asset, utcTime(19, 11, 30)); got != PhaseLondonCore {
		t.Errorf("11:30 = %s, want %s", got, PhaseLondonCore)
	}
	// the disabled US_CORE opt-in row never matches
	if got := r.PhaseFor(asset, utcTime(19, 16, 0)); got != PhaseOther {
		t.Errorf("16:00 with disabled US_CORE = %s, want %s", got, PhaseOther)
	}

	if !r.IsRangeBuildPhase(asset, PhaseAsiaRange) {
		t.Error("configured Asia window should be range-building")
	}
	if !r.IsTradingPhase(asset, PhaseLondonCore) {
		t.Error("configured London window should be trading")
	}
}

func TestPhaseForPriorityBreaksOverlap(t *testing.T) {
	r := defaultResolver()
	asset := cryptoAsset()
	asset.PhaseConfigs = []database.AssetSessionPhaseConfig{
		{Phase: string(PhaseUSCoreTrading), StartTimeUTC: "13:00", EndTimeUTC: "22:00", IsTradingPhase: true, Enabled: true, Priority: 20},
		{Phase: string(PhasePreUSRange), StartTimeUTC: "13:00", EndTimeUTC: "15:00", IsRangeBuild: true, Enabled: true, Priority: 10},
	}

	// both windows contain 14:00; the lower priority number wins
	if got := r.PhaseFor(asset, utcTime(19, 14, 0)); got != PhasePreUSRange {
		t.Errorf("overlap at 14:00 = %s, want %s", got, PhasePreUSRange)
	}
	if got := r.PhaseFor(asset, utcTime(19, 16, 0)); got != PhaseUSCoreTrading {
		t.Errorf("16:00 = %s, want %s", got, PhaseUSCoreTrading)
	}
}

func TestPhaseForNilAssetMatchesUnconfiguredAsset(t *testing.T) {
	r := defaultResolver()
	bare := oilAsset() // no phase configs

	for hour := 0; hour < 24; hour++ {
		at := utcTime(19, hour, 30)
		if got, want := r.PhaseFor(bare, at), r.PhaseFor(nil, at); got != want {
			t.Errorf("hour %d: unconfigured asset %s != nil asset %s", hour, got, want)
		}
	}
}

func TestEIAWindowsTakePrecedence(t *testing.T) {
	r := NewPhaseResolver(config.WorkerConfig{
		EIAReferenceUTC: "14:30",
		EIAPreMinutes:   30,
		EIAPostMinutes:  60,
	}, config.DefaultPhaseWindows())

	cases := []struct {
		hour, minute int
		want         SessionPhase
	}{
		{13, 59, PhasePreUSRange}, // before the pre window opens
		{14, 0, PhaseEIAPre},
		{14, 29, PhaseEIAPre},
		{14, 30, PhaseEIAPost},
		{15, 30, PhaseEIAPost}, // inclusive end of the post window
		{15, 31, PhaseUSCoreTrading},
	}
	for _, c := range cases {
		got := r.PhaseFor(oilAsset(), utcTime(19, c.hour, c.minute))
		if got != c.want {
			t.Errorf("EIA %02d:%02d = %s, want %s", c.hour, c.minute, got, c.want)
		}
	}

	// EIA windows beat weekend gating too: they are report-driven
	if got := r.PhaseFor(oilAsset(), utcTime(22, 14, 45)); got != PhaseEIAPost {
		t.Errorf("Saturday inside EIA post window = %s, want %s", got, PhaseEIAPost)
	}

	if !r.IsTradingPhase(oilAsset(), PhaseEIAPost) {
		t.Error("EIA_POST must be a trading phase")
	}
	if !r.IsTradingPhase(oilAsset(), PhaseEIAPre) {
		t.Error("EIA_PRE must be a trading phase for observation")
	}
}

func TestEIADisabledWithoutReference(t *testing.T) {
	r := defaultResolver()
	if got := r.PhaseFor(oilAsset(), utcTime(19, 14, 30)); got != PhasePreUSRange {
		t.Errorf("no EIA reference configured, 14:30 = %s, want %s", got, PhasePreUSRange)
	}
}
