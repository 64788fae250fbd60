package broker

import (
	"strings"
	"time"
)

// Kind identifies a supported venue
type Kind string

const (
	KindIG     Kind = "IG"
	KindMEXC   Kind = "MEXC"
	KindKraken Kind = "KRAKEN"
)

// ParseKind normalizes a broker kind string
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindIG:
		return KindIG, true
	case KindMEXC:
		return KindMEXC, true
	case KindKraken:
		return KindKraken, true
	}
	return "", false
}

// Resolution identifies a candle resolution
type Resolution string

const (
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution1h  Resolution = "1h"
)

// AccountState represents the broker account snapshot
type AccountState struct {
	AccountID string  `json:"account_id"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Equity    float64 `json:"equity"`
	Margin    float64 `json:"margin"`
	Currency  string  `json:"currency"`
}

// Position represents one open position at the venue
type Position struct {
	DealID       string    `json:"deal_id"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"` // LONG or SHORT
	Size         float64   `json:"size"`
	OpenLevel    float64   `json:"open_level"`
	CurrentLevel float64   `json:"current_level"`
	StopLevel    float64   `json:"stop_level,omitempty"`
	LimitLevel   float64   `json:"limit_level,omitempty"`
	ProfitLoss   float64   `json:"profit_loss"`
	Currency     string    `json:"currency"`
	OpenedAt     time.Time `json:"opened_at"`
}

// SymbolPrice is an instantaneous quote
type SymbolPrice struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	HighToday float64   `json:"high_today,omitempty"`
	LowToday  float64   `json:"low_today,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the quote midpoint
func (p *SymbolPrice) Mid() float64 {
	return (p.Bid + p.Ask) / 2
}

// Spread returns ask minus bid
func (p *SymbolPrice) Spread() float64 {
	return p.Ask - p.Bid
}

// Candle is one OHLC bar. Time is the minute-aligned bucket start for 1m data.
type Candle struct {
	Symbol     string    `json:"symbol"`
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int       `json:"trade_count"`
}

// IsForming reports whether the candle's minute bucket has not yet elapsed
func (c *Candle) IsForming(now time.Time) bool {
	return !now.Truncate(time.Minute).After(c.Time.Truncate(time.Minute))
}

// OrderRequest describes an order to be placed
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // LONG or SHORT
	Size       float64 `json:"size"`
	OrderType  string  `json:"order_type"` // MARKET or LIMIT
	Level      float64 `json:"level,omitempty"`
	StopLevel  float64 `json:"stop_level,omitempty"`
	LimitLevel float64 `json:"limit_level,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Reference  string  `json:"reference,omitempty"`
}

// OrderResult is the venue's response to a placed order
type OrderResult struct {
	DealID        string    `json:"deal_id"`
	DealReference string    `json:"deal_reference"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Level         float64   `json:"level,omitempty"`
	Size          float64   `json:"size,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Trade is one raw trade from a venue stream
type Trade struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Time     time.Time `json:"time"`
}
