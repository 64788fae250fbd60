package ki

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/ai/llm"
	"trading-worker/internal/broker"
	"trading-worker/internal/strategy"
)

// SignalStrength buckets the reflection confidence
type SignalStrength string

const (
	SignalStrong  SignalStrength = "strong"
	SignalWeak    SignalStrength = "weak"
	SignalNoTrade SignalStrength = "no_trade"
)

// DirectionNoTrade is the veto direction either stage may return
const DirectionNoTrade = "NO_TRADE"

// LocalResult is the stage-one proposal from the local model
type LocalResult struct {
	Direction  string  `json:"direction"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Size       float64 `json:"size"`
	Reason     string  `json:"reason"`
}

// ReflectionResult is the stage-two review. Nil fields mean the
// reviewer accepted the proposal as-is.
type ReflectionResult struct {
	Confidence float64  `json:"confidence"`
	Direction  *string  `json:"direction"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Size       *float64 `json:"size"`
	Reasoning  string   `json:"reasoning"`
}

// EvaluationResult merges both stages. Corrections replace local values;
// the combined reasoning keeps both voices.
type EvaluationResult struct {
	Direction      string         `json:"direction"`
	StopLoss       float64        `json:"stop_loss"`
	TakeProfit     float64        `json:"take_profit"`
	Size           float64        `json:"size"`
	Confidence     float64        `json:"confidence"`
	SignalStrength SignalStrength `json:"signal_strength"`
	Reasoning      string         `json:"reasoning"`
	Diagnostic     string         `json:"diagnostic,omitempty"` // set when a stage failed
	EvaluatedAt    time.Time      `json:"evaluated_at"`
}

// Orchestrator runs the two-stage setup evaluation: a local model
// proposes levels, a remote model reviews them and scores confidence.
// Failures surface as a no-trade result with a diagnostic, never as an
// error to the caller.
type Orchestrator struct {
	local      *llm.Client
	reflection *llm.Client
	strongMin  float64
	weakMin    float64
	logger     zerolog.Logger
}

// NewOrchestrator builds the pipeline from KI config
func NewOrchestrator(cfg config.KIConfig, logger zerolog.Logger) *Orchestrator {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	local := llm.NewClient(&llm.ClientConfig{
		Provider:    llm.ProviderLocal,
		BaseURL:     cfg.LocalEndpoint,
		Model:       cfg.LocalModel,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     timeout,
	})
	reflection := llm.NewClient(&llm.ClientConfig{
		Provider:    llm.Provider(cfg.ReflectionProvider),
		BaseURL:     cfg.ReflectionEndpoint,
		APIKey:      cfg.ReflectionAPIKey,
		Model:       cfg.ReflectionModel,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     timeout,
	})

	return &Orchestrator{
		local:      local,
		reflection: reflection,
		strongMin:  cfg.StrongConfidenceMin,
		weakMin:    cfg.WeakConfidenceMin,
		logger:     logger.With().Str("component", "KIOrchestrator").Logger(),
	}
}

// Evaluate runs both stages for one setup. The returned result is always
// usable; a failed stage yields signal_strength no_trade with the
// failure recorded in Diagnostic.
func (o *Orchestrator) Evaluate(ctx context.Context, setup *strategy.SetupCandidate, price *broker.SymbolPrice, account *broker.AccountState, openPositions int, tickSize float64) *EvaluationResult {
	inputs := promptInputsFor(setup, price, account, openPositions, tickSize)

	system, user := BuildLocalPrompt(inputs)
	localRaw, err := o.local.Complete(ctx, system, user)
	if err != nil {
		return o.failed(fmt.Sprintf("local stage failed: %v", err))
	}
	var local LocalResult
	if err := parseJSONBlock(localRaw, &local); err != nil {
		return o.failed(fmt.Sprintf("local stage returned unparseable output: %v", err))
	}
	if local.Direction == DirectionNoTrade {
		return &EvaluationResult{
			Direction:      DirectionNoTrade,
			SignalStrength: SignalNoTrade,
			Reasoning:      local.Reason,
			EvaluatedAt:    time.Now().UTC(),
		}
	}

	system, user = BuildReflectionPrompt(inputs, local)
	reflRaw, err := o.reflection.Complete(ctx, system, user)
	if err != nil {
		return o.failed(fmt.Sprintf("reflection stage failed: %v", err))
	}
	var refl ReflectionResult
	if err := parseJSONBlock(reflRaw, &refl); err != nil {
		return o.failed(fmt.Sprintf("reflection stage returned unparseable output: %v", err))
	}

	return o.merge(local, refl)
}

func (o *Orchestrator) merge(local LocalResult, refl ReflectionResult) *EvaluationResult {
	result := &EvaluationResult{
		Direction:   local.Direction,
		StopLoss:    local.StopLoss,
		TakeProfit:  local.TakeProfit,
		Size:        local.Size,
		Confidence:  refl.Confidence,
		Reasoning:   combineReasoning(local.Reason, refl.Reasoning),
		EvaluatedAt: time.Now().UTC(),
	}

	if refl.Direction != nil && *refl.Direction != "" {
		result.Direction = *refl.Direction
	}
	if refl.StopLoss != nil && *refl.StopLoss > 0 {
		result.StopLoss = *refl.StopLoss
	}
	if refl.TakeProfit != nil && *refl.TakeProfit > 0 {
		result.TakeProfit = *refl.TakeProfit
	}
	if refl.Size != nil && *refl.Size > 0 {
		result.Size = *refl.Size
	}

	result.SignalStrength = o.strength(result.Confidence)
	if result.Direction == DirectionNoTrade {
		result.SignalStrength = SignalNoTrade
	}
	return result
}

func (o *Orchestrator) strength(confidence float64) SignalStrength {
	switch {
	case confidence >= o.strongMin:
		return SignalStrong
	case confidence >= o.weakMin:
		return SignalWeak
	default:
		return SignalNoTrade
	}
}

func (o *Orchestrator) failed(diagnostic string) *EvaluationResult {
	o.logger.Warn().Str("diagnostic", diagnostic).Msg("KI evaluation failed")
	return &EvaluationResult{
		Direction:      DirectionNoTrade,
		SignalStrength: SignalNoTrade,
		Diagnostic:     diagnostic,
		EvaluatedAt:    time.Now().UTC(),
	}
}

func promptInputsFor(setup *strategy.SetupCandidate, price *broker.SymbolPrice, account *broker.AccountState, openPositions int, tickSize float64) PromptInputs {
	in := PromptInputs{
		Epic:           setup.Epic,
		SetupKind:      string(setup.Kind),
		Phase:          string(setup.Phase),
		Direction:      setup.Direction,
		ReferencePrice: setup.ReferencePrice,
		TickSize:       tickSize,
		OpenPositions:  openPositions,
	}
	if setup.Breakout != nil {
		in.RangeHigh = setup.Breakout.RangeHigh
		in.RangeLow = setup.Breakout.RangeLow
	}
	if setup.EIA != nil {
		in.MovePoints = setup.EIA.MovePoints
	}
	if price != nil {
		in.Spread = price.Spread()
	}
	if account != nil {
		in.AccountEquity = account.Equity
	}
	return in
}

// parseJSONBlock extracts the first JSON object from model output that
// may carry surrounding prose or code fences.
func parseJSONBlock(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in output")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

func combineReasoning(local, reflection string) string {
	switch {
	case local == "":
		return reflection
	case reflection == "":
		return local
	default:
		return fmt.Sprintf("local: %s | reflection: %s", local, reflection)
	}
}
