package database

import (
	"time"

	"github.com/google/uuid"
)

// TradingAsset is one tradeable instrument the worker manages
type TradingAsset struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Epic         string    `json:"epic"`
	BrokerKind   string    `json:"broker_kind"`
	BrokerSymbol string    `json:"broker_symbol"` // venue-native symbol, defaults to epic
	Category     string    `json:"category"`
	TickSize     float64   `json:"tick_size"`
	IsCrypto     bool      `json:"is_crypto"`
	Trades247    bool      `json:"trades_24_7"` // venue trades through weekends
	IsActive     bool      `json:"is_active"`
	TradingMode  string    `json:"trading_mode"` // STRICT or RELAXED
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// phase configs prefetched alongside the asset, ordered by priority
	PhaseConfigs []AssetSessionPhaseConfig `json:"phase_configs,omitempty"`
}

// StreamSymbol returns the symbol used on the venue's wire
func (a *TradingAsset) StreamSymbol() string {
	if a.BrokerSymbol != "" {
		return a.BrokerSymbol
	}
	return a.Epic
}

// AssetSessionPhaseConfig is one asset's window for one session phase.
// Times are HH:MM UTC strings; a window may wrap midnight.
type AssetSessionPhaseConfig struct {
	ID             int64  `json:"id"`
	AssetID        int64  `json:"asset_id"`
	Phase          string `json:"phase"`
	StartTimeUTC   string `json:"start_time_utc"`
	EndTimeUTC     string `json:"end_time_utc"`
	IsRangeBuild   bool   `json:"is_range_build_phase"`
	IsTradingPhase bool   `json:"is_trading_phase"`
	Enabled        bool   `json:"enabled"`
	Priority       int    `json:"priority"` // lower matches first among overlaps
}

// BreakoutRange is a persisted per-phase high/low snapshot. Manual
// overrides, when positive, win over the computed levels.
type BreakoutRange struct {
	ID             int64      `json:"id"`
	AssetID        int64      `json:"asset_id"`
	Epic           string     `json:"epic"`
	Phase          string     `json:"phase"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	High           float64    `json:"high"`
	Low            float64    `json:"low"`
	HeightTicks    float64    `json:"height_ticks"`
	HeightPoints   float64    `json:"height_points"`
	CandleCount    int        `json:"candle_count"`
	ATR            *float64   `json:"atr,omitempty"`
	IsValid        bool       `json:"is_valid"`
	ManualHigh     *float64   `json:"manual_high,omitempty"`
	ManualLow      *float64   `json:"manual_low,omitempty"`
	LastAdjustedBy *string    `json:"last_adjusted_by,omitempty"`
	LastAdjustedAt *time.Time `json:"last_adjusted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// EffectiveHigh returns the manual override when present and positive
func (r *BreakoutRange) EffectiveHigh() float64 {
	if r.ManualHigh != nil && *r.ManualHigh > 0 {
		return *r.ManualHigh
	}
	return r.High
}

// EffectiveLow returns the manual override when present and positive
func (r *BreakoutRange) EffectiveLow() float64 {
	if r.ManualLow != nil && *r.ManualLow > 0 {
		return *r.ManualLow
	}
	return r.Low
}

// PriceSnapshot is one observed quote for an asset
type PriceSnapshot struct {
	ID        int64     `json:"id"`
	AssetID   int64     `json:"asset_id"`
	Timestamp time.Time `json:"timestamp"`
	PriceMid  float64   `json:"price_mid"`
	PriceBid  float64   `json:"price_bid"`
	PriceAsk  float64   `json:"price_ask"`
}

// WorkerStatus is the singleton status row the worker rewrites each tick
type WorkerStatus struct {
	LastRunAt       time.Time       `json:"last_run_at"`
	Phase           string          `json:"phase"`
	PriceMid        float64         `json:"price_mid"`
	PriceBid        float64         `json:"price_bid"`
	PriceAsk        float64         `json:"price_ask"`
	Spread          float64         `json:"spread"`
	SetupCount      int             `json:"setup_count"`
	Message         string          `json:"message"`
	Criteria        []CriterionInfo `json:"criteria"`
	IntervalSeconds int             `json:"interval_seconds"`
	ShadowOnly      bool            `json:"shadow_only"`
}

// CriterionInfo is one strategy criterion surfaced for the operator UI
type CriterionInfo struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// AssetDiagnostics aggregates per-asset counters in an hour-aligned window
type AssetDiagnostics struct {
	ID               int64          `json:"id"`
	AssetID          int64          `json:"asset_id"`
	WindowStart      time.Time      `json:"window_start"`
	WindowEnd        time.Time      `json:"window_end"`
	CandlesEvaluated int            `json:"candles_evaluated"`
	SetupsGenerated  int            `json:"setups_generated"`
	SetupsDiscarded  int            `json:"setups_discarded"`
	RiskEvaluated    int            `json:"risk_evaluated"`
	RiskApproved     int            `json:"risk_approved"`
	RiskRejected     int            `json:"risk_rejected"`
	RangesBuilt      map[string]int `json:"ranges_built"`      // phase -> count
	RejectionReasons map[string]int `json:"rejection_reasons"` // reason -> count
}

// Merge folds another window's counters into this one
func (d *AssetDiagnostics) Merge(other *AssetDiagnostics) {
	d.CandlesEvaluated += other.CandlesEvaluated
	d.SetupsGenerated += other.SetupsGenerated
	d.SetupsDiscarded += other.SetupsDiscarded
	d.RiskEvaluated += other.RiskEvaluated
	d.RiskApproved += other.RiskApproved
	d.RiskRejected += other.RiskRejected
	if d.RangesBuilt == nil {
		d.RangesBuilt = make(map[string]int)
	}
	for phase, n := range other.RangesBuilt {
		d.RangesBuilt[phase] += n
	}
	if d.RejectionReasons == nil {
		d.RejectionReasons = make(map[string]int)
	}
	for reason, n := range other.RejectionReasons {
		d.RejectionReasons[reason] += n
	}
	if other.WindowEnd.After(d.WindowEnd) {
		d.WindowEnd = other.WindowEnd
	}
}

// BrokerConfig is a persisted credential/endpoint record per broker kind
type BrokerConfig struct {
	ID         int64     `json:"id"`
	BrokerKind string    `json:"broker_kind"`
	IsActive   bool      `json:"is_active"`
	BaseURL    string    `json:"base_url"`
	AccountID  string    `json:"account_id"`
	VaultPath  string    `json:"vault_path"` // where the secret material lives
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ExecutionSession ties one proposed trade to its eventual execution
type ExecutionSession struct {
	ID          uuid.UUID  `json:"id"`
	AssetID     int64      `json:"asset_id"`
	Epic        string     `json:"epic"`
	SetupKind   string     `json:"setup_kind"`
	Direction   string     `json:"direction"`
	Status      string     `json:"status"` // PROPOSED, LIVE, SHADOW
	RiskAllowed bool       `json:"risk_allowed"`
	RiskReason  string     `json:"risk_reason"`
	Confidence  *float64   `json:"confidence,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// TradeRecord is a confirmed live trade
type TradeRecord struct {
	ID            int64     `json:"id"`
	SessionID     uuid.UUID `json:"session_id"`
	Epic          string    `json:"epic"`
	Direction     string    `json:"direction"`
	Size          float64   `json:"size"`
	EntryLevel    float64   `json:"entry_level"`
	StopLevel     float64   `json:"stop_level"`
	LimitLevel    float64   `json:"limit_level"`
	DealID        string    `json:"deal_id"`
	DealReference string    `json:"deal_reference"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// ShadowTrade is a simulated execution recorded instead of a live order
type ShadowTrade struct {
	ID         int64     `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Epic       string    `json:"epic"`
	Direction  string    `json:"direction"`
	Size       float64   `json:"size"`
	EntryLevel float64   `json:"entry_level"`
	StopLevel  float64   `json:"stop_level"`
	LimitLevel float64   `json:"limit_level"`
	Reason     string    `json:"reason"` // why it went shadow
	RecordedAt time.Time `json:"recorded_at"`
}
