package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/strategy"
)

// Violation codes, counted per reason in diagnostics
const (
	CodeNoAccount         = "RISK_NO_ACCOUNT"
	CodeInvalidOrder      = "RISK_INVALID_ORDER"
	CodeInsufficientFunds = "RISK_INSUFFICIENT_FUNDS"
	CodeMaxPositions      = "RISK_MAX_POSITIONS"
	CodeDuplicateSymbol   = "RISK_DUPLICATE_SYMBOL"
	CodeSpreadTooWide     = "RISK_SPREAD_TOO_WIDE"
	CodePerTradeRisk      = "RISK_PER_TRADE_LIMIT"
	CodeMissingStop       = "RISK_MISSING_STOP"
)

// EvaluationResult is the outcome of one risk check
type EvaluationResult struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason"`
	Violations []string `json:"violations"`
}

// Engine applies account, position and order limits to a setup. It
// reads state and never mutates it.
type Engine struct {
	riskPerTradePct  float64
	maxOpenPositions int
	maxSpreadPoints  float64
	logger           zerolog.Logger
}

// NewEngine creates a risk engine from worker config
func NewEngine(cfg config.WorkerConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		riskPerTradePct:  cfg.RiskPerTradePct,
		maxOpenPositions: cfg.MaxOpenPositions,
		maxSpreadPoints:  cfg.MaxSpreadPoints,
		logger:           logger.With().Str("component", "RiskEngine").Logger(),
	}
}

// Input carries everything one evaluation looks at
type Input struct {
	Account     *broker.AccountState
	Positions   []broker.Position
	Setup       *strategy.SetupCandidate
	Order       *broker.OrderRequest
	Price       *broker.SymbolPrice
	TradingMode string // STRICT requires a stop level
	Now         time.Time
}

// Evaluate checks one proposed order against every limit and returns
// the full violation list, not just the first failure.
func (e *Engine) Evaluate(in Input) EvaluationResult {
	var violations []string

	if in.Account == nil {
		violations = append(violations, CodeNoAccount)
	}
	if in.Order == nil || in.Order.Size <= 0 || in.Order.Symbol == "" {
		violations = append(violations, CodeInvalidOrder)
	}

	if in.Account != nil && in.Order != nil {
		if in.Account.Available <= 0 {
			violations = append(violations, CodeInsufficientFunds)
		} else if e.riskPerTradePct > 0 && in.Order.StopLevel > 0 {
			perTrade := math.Abs(in.Order.Level-in.Order.StopLevel) * in.Order.Size
			limit := in.Account.Equity * e.riskPerTradePct / 100
			if perTrade > limit {
				violations = append(violations, CodePerTradeRisk)
			}
		}
	}

	if e.maxOpenPositions > 0 && len(in.Positions) >= e.maxOpenPositions {
		violations = append(violations, CodeMaxPositions)
	}
	if in.Order != nil {
		for _, p := range in.Positions {
			if p.Symbol == in.Order.Symbol {
				violations = append(violations, CodeDuplicateSymbol)
				break
			}
		}
	}

	if e.maxSpreadPoints > 0 && in.Price != nil && in.Price.Spread() > e.maxSpreadPoints {
		violations = append(violations, CodeSpreadTooWide)
	}

	if strings.EqualFold(in.TradingMode, "STRICT") && in.Order != nil && in.Order.StopLevel <= 0 {
		violations = append(violations, CodeMissingStop)
	}

	result := EvaluationResult{
		Allowed:    len(violations) == 0,
		Violations: violations,
	}
	if result.Allowed {
		result.Reason = "all risk checks passed"
	} else {
		result.Reason = fmt.Sprintf("rejected: %s", strings.Join(violations, ", "))
		epic := ""
		if in.Setup != nil {
			epic = in.Setup.Epic
		}
		e.logger.Info().Str("epic", epic).Strs("violations", violations).Msg("setup rejected by risk")
	}
	return result
}
