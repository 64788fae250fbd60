package ki

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/strategy"
)

// chatStub serves a fixed completion through the OpenAI-compatible wire
type chatStub struct {
	mu      sync.Mutex
	calls   int
	content string
}

func (s *chatStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		content := s.content
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"role": "assistant", "content": content},
			}},
		})
	})
}

func (s *chatStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testOrchestrator(t *testing.T, local, reflection *chatStub) *Orchestrator {
	t.Helper()
	localServer := httptest.NewServer(local.handler())
	t.Cleanup(localServer.Close)
	reflServer := httptest.NewServer(reflection.handler())
	t.Cleanup(reflServer.Close)

	return NewOrchestrator(config.KIConfig{
		Enabled:             true,
		LocalEndpoint:       localServer.URL,
		LocalModel:          "test-local",
		ReflectionProvider:  "local",
		ReflectionEndpoint:  reflServer.URL,
		ReflectionModel:     "test-reflection",
		TimeoutSeconds:      5,
		StrongConfidenceMin: 80,
		WeakConfidenceMin:   60,
	}, zerolog.Nop())
}

func breakoutSetup() *strategy.SetupCandidate {
	return &strategy.SetupCandidate{
		ID:             uuid.New(),
		Epic:           "CC.D.CL.UMP.IP",
		Kind:           strategy.SetupBreakout,
		Direction:      "LONG",
		ReferencePrice: 82.55,
		Breakout: &strategy.BreakoutContext{
			RangeHigh: 82.50,
			RangeLow:  81.90,
		},
	}
}

func evalWith(t *testing.T, o *Orchestrator) *EvaluationResult {
	t.Helper()
	price := &broker.SymbolPrice{Bid: 82.53, Ask: 82.57}
	account := &broker.AccountState{Equity: 10000}
	return o.Evaluate(context.Background(), breakoutSetup(), price, account, 1, 0.01)
}

func TestEvaluateStrongSignal(t *testing.T) {
	local := &chatStub{content: `{"direction":"LONG","stop_loss":82.20,"take_profit":83.10,"size":2,"reason":"clean break"}`}
	refl := &chatStub{content: `{"confidence":85,"reasoning":"levels agree"}`}
	o := testOrchestrator(t, local, refl)

	result := evalWith(t, o)
	if result.SignalStrength != SignalStrong {
		t.Fatalf("strength = %s, want strong (result %+v)", result.SignalStrength, result)
	}
	if result.Direction != "LONG" || result.StopLoss != 82.20 || result.Size != 2 {
		t.Errorf("merged result = %+v", result)
	}
	if result.Confidence != 85 {
		t.Errorf("confidence = %v", result.Confidence)
	}
	if result.Diagnostic != "" {
		t.Errorf("unexpected diagnostic: %s", result.Diagnostic)
	}
}

func TestEvaluateConfidenceBands(t *testing.T) {
	cases := []struct {
		confidence float64
		want       SignalStrength
	}{
		{95, SignalStrong},
		{80, SignalStrong},
		{79.9, SignalWeak},
		{60, SignalWeak},
		{59.9, SignalNoTrade},
		{0, SignalNoTrade},
	}
	for _, c := range cases {
		local := &chatStub{content: `{"direction":"LONG","stop_loss":82.20,"take_profit":83.10,"size":1,"reason":"x"}`}
		refl := &chatStub{}
		refl.content = `{"confidence":` + jsonNumber(c.confidence) + `,"reasoning":"y"}`
		o := testOrchestrator(t, local, refl)

		if got := evalWith(t, o).SignalStrength; got != c.want {
			t.Errorf("confidence %.1f: strength = %s, want %s", c.confidence, got, c.want)
		}
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestReflectionCorrectionsOverrideProposal(t *testing.T) {
	local := &chatStub{content: `{"direction":"LONG","stop_loss":82.20,"take_profit":83.10,"size":2,"reason":"break"}`}
	refl := &chatStub{content: `{"confidence":70,"direction":"SHORT","stop_loss":82.90,"size":1,"reasoning":"fakeout risk"}`}
	o := testOrchestrator(t, local, refl)

	result := evalWith(t, o)
	if result.Direction != "SHORT" {
		t.Errorf("direction = %s, want reflection's SHORT", result.Direction)
	}
	if result.StopLoss != 82.90 || result.Size != 1 {
		t.Errorf("corrections not applied: %+v", result)
	}
	// the untouched field keeps the local proposal
	if result.TakeProfit != 83.10 {
		t.Errorf("take profit = %v, want local 83.10", result.TakeProfit)
	}
}

func TestReflectionVetoForcesNoTrade(t *testing.T) {
	local := &chatStub{content: `{"direction":"LONG","stop_loss":82.20,"take_profit":83.10,"size":2,"reason":"break"}`}
	refl := &chatStub{content: `{"confidence":90,"direction":"NO_TRADE","reasoning":"news risk"}`}
	o := testOrchestrator(t, local, refl)

	result := evalWith(t, o)
	if result.SignalStrength != SignalNoTrade {
		t.Fatalf("strength = %s, want no_trade despite high confidence", result.SignalStrength)
	}
}

func TestLocalNoTradeSkipsReflection(t *testing.T) {
	local := &chatStub{content: `{"direction":"NO_TRADE","reason":"chop"}`}
	refl := &chatStub{content: `{"confidence":99}`}
	o := testOrchestrator(t, local, refl)

	result := evalWith(t, o)
	if result.SignalStrength != SignalNoTrade {
		t.Fatalf("strength = %s, want no_trade", result.SignalStrength)
	}
	if refl.callCount() != 0 {
		t.Errorf("reflection stage called %d times after local veto", refl.callCount())
	}
}

func TestLocalFailureYieldsDiagnostic(t *testing.T) {
	localServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(localServer.Close)
	refl := &chatStub{content: `{"confidence":90}`}
	reflServer := httptest.NewServer(refl.handler())
	t.Cleanup(reflServer.Close)

	o := NewOrchestrator(config.KIConfig{
		LocalEndpoint:       localServer.URL,
		ReflectionProvider:  "local",
		ReflectionEndpoint:  reflServer.URL,
		TimeoutSeconds:      5,
		StrongConfidenceMin: 80,
		WeakConfidenceMin:   60,
	}, zerolog.Nop())

	result := evalWith(t, o)
	if result.SignalStrength != SignalNoTrade {
		t.Fatalf("failed stage must yield no_trade, got %s", result.SignalStrength)
	}
	if result.Diagnostic == "" {
		t.Error("failed stage must record a diagnostic")
	}
	if refl.callCount() != 0 {
		t.Errorf("reflection called %d times after local failure", refl.callCount())
	}
}

func TestUnparseableOutputYieldsDiagnostic(t *testing.T) {
	local := &chatStub{content: "I would go long here, maybe."}
	refl := &chatStub{content: `{"confidence":90}`}
	o := testOrchestrator(t, local, refl)

	result := evalWith(t, o)
	if result.SignalStrength != SignalNoTrade || result.Diagnostic == "" {
		t.Fatalf("prose output must fail with diagnostic, got %+v", result)
	}
}

func TestEvaluationResultRoundTrip(t *testing.T) {
	result := EvaluationResult{
		Direction:      "LONG",
		StopLoss:       82.20,
		TakeProfit:     83.10,
		Size:           2,
		Confidence:     85,
		SignalStrength: SignalStrong,
		Reasoning:      "levels agree with the range break",
		Diagnostic:     "reflection responded slowly",
		EvaluatedAt:    time.Date(2026, 8, 19, 9, 1, 30, 0, time.UTC),
	}

	first, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded EvaluationResult
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("re-encoding changed the bytes\n first: %s\nsecond: %s", first, second)
	}
}

func TestParseJSONBlockExtractsFromProse(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"direction\":\"LONG\",\"size\":1}\n```\nGood luck."
	var out LocalResult
	if err := parseJSONBlock(raw, &out); err != nil {
		t.Fatalf("parseJSONBlock: %v", err)
	}
	if out.Direction != "LONG" || out.Size != 1 {
		t.Errorf("parsed = %+v", out)
	}
}
