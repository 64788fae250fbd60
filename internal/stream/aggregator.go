package stream

import (
	"sort"
	"sync"
	"time"

	"trading-worker/internal/broker"
)

// Aggregator folds a raw trade feed into 1-minute candles per symbol.
// The in-flight bar opens on the first trade of a minute and is committed
// when a trade from a later minute arrives. Aggregating the same trade
// sequence twice yields identical bars.
type Aggregator struct {
	mu sync.RWMutex

	// closed candles per symbol, ascending by time
	closed map[string][]broker.Candle
	// currently forming bar per symbol
	forming map[string]*broker.Candle

	maxCandles int
}

// NewAggregator creates an aggregator keeping up to maxCandles closed
// bars per symbol (default 1440, one trading day of minutes).
func NewAggregator(maxCandles int) *Aggregator {
	if maxCandles <= 0 {
		maxCandles = 1440
	}
	return &Aggregator{
		closed:     make(map[string][]broker.Candle),
		forming:    make(map[string]*broker.Candle),
		maxCandles: maxCandles,
	}
}

// AddTrade folds one trade into the symbol's bar state. Returns the
// finished candle when this trade crossed a minute boundary, else nil.
func (a *Aggregator) AddTrade(trade broker.Trade) *broker.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := trade.Time.UTC().Truncate(time.Minute)
	current := a.forming[trade.Symbol]

	if current == nil {
		a.forming[trade.Symbol] = newBar(trade, bucket)
		return nil
	}

	if bucket.After(current.Time) {
		finished := *current
		a.commitLocked(finished)
		a.forming[trade.Symbol] = newBar(trade, bucket)
		return &finished
	}

	// Trades inside the current minute; out-of-order trades from an
	// already committed minute are folded into the forming bar rather
	// than reopening history.
	current.Close = trade.Price
	if trade.Price > current.High {
		current.High = trade.Price
	}
	if trade.Price < current.Low {
		current.Low = trade.Price
	}
	current.Volume += trade.Quantity
	current.TradeCount++
	return nil
}

func newBar(trade broker.Trade, bucket time.Time) *broker.Candle {
	return &broker.Candle{
		Symbol:     trade.Symbol,
		Time:       bucket,
		Open:       trade.Price,
		High:       trade.Price,
		Low:        trade.Price,
		Close:      trade.Price,
		Volume:     trade.Quantity,
		TradeCount: 1,
	}
}

func (a *Aggregator) commitLocked(candle broker.Candle) {
	candles := append(a.closed[candle.Symbol], candle)
	if len(candles) > a.maxCandles {
		candles = candles[len(candles)-a.maxCandles:]
	}
	a.closed[candle.Symbol] = candles
}

// FlushForming commits every in-flight bar. Used on shutdown so a partial
// minute is not lost.
func (a *Aggregator) FlushForming() []broker.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var flushed []broker.Candle
	for symbol, bar := range a.forming {
		a.commitLocked(*bar)
		flushed = append(flushed, *bar)
		delete(a.forming, symbol)
	}
	sort.Slice(flushed, func(i, j int) bool { return flushed[i].Symbol < flushed[j].Symbol })
	return flushed
}

// Candles returns up to n most recent candles for the symbol, the forming
// bar included last when includeForming is set.
func (a *Aggregator) Candles(symbol string, n int, includeForming bool) []broker.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	candles := a.closed[symbol]
	out := make([]broker.Candle, len(candles))
	copy(out, candles)

	if includeForming {
		if bar, ok := a.forming[symbol]; ok {
			out = append(out, *bar)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Seed loads previously persisted candles for a symbol. Existing state
// for the symbol is replaced; candles are sorted and de-duplicated by
// minute bucket, last write wins.
func (a *Aggregator) Seed(symbol string, candles []broker.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byBucket := make(map[time.Time]broker.Candle, len(candles))
	for _, c := range candles {
		c.Time = c.Time.UTC().Truncate(time.Minute)
		byBucket[c.Time] = c
	}

	sorted := make([]broker.Candle, 0, len(byBucket))
	for _, c := range byBucket {
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	if len(sorted) > a.maxCandles {
		sorted = sorted[len(sorted)-a.maxCandles:]
	}
	a.closed[symbol] = sorted
	delete(a.forming, symbol)
}

// Reset drops all state
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = make(map[string][]broker.Candle)
	a.forming = make(map[string]*broker.Candle)
}

// Symbols returns the symbols with any candle state
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]bool)
	for s := range a.closed {
		seen[s] = true
	}
	for s := range a.forming {
		seen[s] = true
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
