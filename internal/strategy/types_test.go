package strategy

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"trading-worker/internal/market"
)

func TestSetupCandidateRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		setup SetupCandidate
	}{
		{
			name: "breakout",
			setup: SetupCandidate{
				ID:             uuid.MustParse("6f1b0a8e-4c2d-4e7a-9d35-0b6f7c2a1d90"),
				CreatedAt:      time.Date(2026, 8, 19, 9, 1, 0, 0, time.UTC),
				Epic:           "CC.D.CL.UMP.IP",
				Kind:           SetupBreakout,
				Phase:          market.PhaseLondonCore,
				ReferencePrice: 82.55,
				Direction:      "LONG",
				Breakout: &BreakoutContext{
					RangePhase:  market.PhaseAsiaRange,
					RangeHigh:   82.50,
					RangeLow:    81.90,
					RangeHeight: 0.60,
					BreakLevel:  82.50,
					RangeID:     7,
				},
				QualityFlags: map[string]bool{
					"closed_candle_break": true,
					"manual_range":        false,
				},
			},
		},
		{
			name: "eia reversion",
			setup: SetupCandidate{
				ID:             uuid.MustParse("9a4c1d2e-8b7f-4a10-b3c5-2e6d0f8a7b41"),
				CreatedAt:      time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC),
				Epic:           "CC.D.CL.UMP.IP",
				Kind:           SetupEIAReversion,
				Phase:          market.PhaseEIAPost,
				ReferencePrice: 82.75,
				Direction:      "SHORT",
				EIA: &EIAContext{
					ReferencePrice: 82.55,
					CurrentPrice:   82.75,
					MovePoints:     0.20,
				},
			},
		},
	}

	for _, c := range cases {
		first, err := json.Marshal(c.setup)
		if err != nil {
			t.Fatalf("%s: marshal: %v", c.name, err)
		}
		var decoded SetupCandidate
		if err := json.Unmarshal(first, &decoded); err != nil {
			t.Fatalf("%s: unmarshal: %v", c.name, err)
		}
		second, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("%s: re-marshal: %v", c.name, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s: re-encoding changed the bytes\n first: %s\nsecond: %s", c.name, first, second)
		}
	}

	// the unset context payload stays off the wire
	encoded, err := json.Marshal(cases[0].setup)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(encoded, []byte("eia_context")) {
		t.Errorf("breakout setup encoded an EIA payload: %s", encoded)
	}
}
