package stream

import (
	"reflect"
	"testing"
	"time"

	"trading-worker/internal/broker"
)

func tradeAt(symbol string, price, qty float64, minute, second int) broker.Trade {
	return broker.Trade{
		Symbol:   symbol,
		Price:    price,
		Quantity: qty,
		Time:     time.Date(2026, 8, 19, 14, minute, second, 0, time.UTC),
	}
}

func TestAddTradeBuildsOHLCV(t *testing.T) {
	a := NewAggregator(0)

	a.AddTrade(tradeAt("BTCUSDT", 65000, 0.5, 0, 1))
	a.AddTrade(tradeAt("BTCUSDT", 65100, 0.2, 0, 20))
	a.AddTrade(tradeAt("BTCUSDT", 64900, 0.1, 0, 40))
	finished := a.AddTrade(tradeAt("BTCUSDT", 65050, 0.3, 1, 5))

	if finished == nil {
		t.Fatal("crossing the minute boundary must commit the bar")
	}
	if finished.Open != 65000 || finished.High != 65100 || finished.Low != 64900 || finished.Close != 64900 {
		t.Errorf("OHLC = %v/%v/%v/%v", finished.Open, finished.High, finished.Low, finished.Close)
	}
	if finished.Volume != 0.8 {
		t.Errorf("Volume = %v, want 0.8", finished.Volume)
	}
	if finished.TradeCount != 3 {
		t.Errorf("TradeCount = %d, want 3", finished.TradeCount)
	}
	if !finished.Time.Equal(time.Date(2026, 8, 19, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("bucket = %v", finished.Time)
	}

	// forming bar for the new minute carries the boundary trade
	candles := a.Candles("BTCUSDT", 0, true)
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want closed + forming", len(candles))
	}
	if candles[1].Open != 65050 || candles[1].TradeCount != 1 {
		t.Errorf("forming bar = %+v", candles[1])
	}
}

func TestReAggregationIsDeterministic(t *testing.T) {
	trades := []broker.Trade{
		tradeAt("BTCUSDT", 65000, 0.5, 0, 1),
		tradeAt("BTCUSDT", 65100, 0.2, 0, 30),
		tradeAt("BTCUSDT", 64900, 0.1, 1, 10),
		tradeAt("BTCUSDT", 65050, 0.3, 1, 50),
		tradeAt("BTCUSDT", 65200, 0.4, 2, 5),
	}

	first := NewAggregator(0)
	second := NewAggregator(0)
	for _, trade := range trades {
		first.AddTrade(trade)
		second.AddTrade(trade)
	}

	a := first.Candles("BTCUSDT", 0, true)
	b := second.Candles("BTCUSDT", 0, true)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same trade sequence produced different bars:\n%+v\n%+v", a, b)
	}
}

func TestOutOfOrderTradeFoldsIntoFormingBar(t *testing.T) {
	a := NewAggregator(0)
	a.AddTrade(tradeAt("BTCUSDT", 65000, 0.5, 0, 1))
	a.AddTrade(tradeAt("BTCUSDT", 65100, 0.2, 1, 5))

	// a straggler from the committed minute must not reopen history
	a.AddTrade(tradeAt("BTCUSDT", 64800, 0.1, 0, 59))

	candles := a.Candles("BTCUSDT", 0, false)
	if len(candles) != 1 {
		t.Fatalf("closed candles = %d, want 1", len(candles))
	}
	if candles[0].Low != 65000 {
		t.Errorf("closed bar was reopened: low = %v", candles[0].Low)
	}

	forming := a.Candles("BTCUSDT", 0, true)
	if got := forming[len(forming)-1]; got.Low != 64800 {
		t.Errorf("straggler not folded into forming bar: low = %v", got.Low)
	}
}

func TestFlushFormingCommitsPartialBars(t *testing.T) {
	a := NewAggregator(0)
	a.AddTrade(tradeAt("BTCUSDT", 65000, 0.5, 0, 10))
	a.AddTrade(tradeAt("ETHUSDT", 3200, 1.0, 0, 20))

	flushed := a.FlushForming()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d bars, want 2", len(flushed))
	}
	// flush output is sorted by symbol
	if flushed[0].Symbol != "BTCUSDT" || flushed[1].Symbol != "ETHUSDT" {
		t.Errorf("flush order: %s, %s", flushed[0].Symbol, flushed[1].Symbol)
	}

	if got := a.Candles("BTCUSDT", 0, false); len(got) != 1 {
		t.Errorf("flushed bar not committed: %d closed candles", len(got))
	}
	if got := a.Candles("BTCUSDT", 0, true); len(got) != 1 {
		t.Errorf("forming state survived flush: %d candles", len(got))
	}
}

func TestSeedSortsAndDeduplicates(t *testing.T) {
	a := NewAggregator(0)
	bucket := func(minute int) time.Time {
		return time.Date(2026, 8, 19, 14, minute, 0, 0, time.UTC)
	}

	a.Seed("BTCUSDT", []broker.Candle{
		{Symbol: "BTCUSDT", Time: bucket(2), Close: 65200},
		{Symbol: "BTCUSDT", Time: bucket(0), Close: 65000},
		{Symbol: "BTCUSDT", Time: bucket(1), Close: 65100},
		// duplicate bucket, last write wins
		{Symbol: "BTCUSDT", Time: bucket(1), Close: 65150},
	})

	candles := a.Candles("BTCUSDT", 0, false)
	if len(candles) != 3 {
		t.Fatalf("seeded %d candles, want 3", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i-1].Time.Before(candles[i].Time) {
			t.Fatalf("seeded candles not ascending: %v then %v", candles[i-1].Time, candles[i].Time)
		}
	}
	if candles[1].Close != 65150 {
		t.Errorf("duplicate bucket close = %v, want the later write 65150", candles[1].Close)
	}
}

func TestMaxCandlesBound(t *testing.T) {
	a := NewAggregator(3)
	for minute := 0; minute < 6; minute++ {
		a.AddTrade(tradeAt("BTCUSDT", 65000+float64(minute), 0.1, minute, 1))
	}

	candles := a.Candles("BTCUSDT", 0, false)
	if len(candles) != 3 {
		t.Fatalf("kept %d closed candles, want 3", len(candles))
	}
	// the oldest bars were dropped, not the newest
	if candles[0].Open != 65002 {
		t.Errorf("oldest kept bar opens at %v, want 65002", candles[0].Open)
	}
}

func TestCandlesLimit(t *testing.T) {
	a := NewAggregator(0)
	for minute := 0; minute < 5; minute++ {
		a.AddTrade(tradeAt("BTCUSDT", 65000+float64(minute), 0.1, minute, 1))
	}

	got := a.Candles("BTCUSDT", 2, false)
	if len(got) != 2 {
		t.Fatalf("limited read returned %d candles", len(got))
	}
	if got[1].Open != 65003 {
		t.Errorf("newest closed bar opens at %v, want 65003", got[1].Open)
	}
}
