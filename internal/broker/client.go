package broker

import "context"

// Client is the capability set every venue exposes.
//
// Connect must be idempotent. GetHistoricalPrices returns closed candles in
// ascending time order; whether the newest bar is the currently forming one
// is venue specific, so consumers that need closed-only data filter by the
// candle's minute bucket (see Candle.IsForming).
type Client interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetAccountState(ctx context.Context) (*AccountState, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetSymbolPrice(ctx context.Context, symbol string) (*SymbolPrice, error)
	GetHistoricalPrices(ctx context.Context, symbol string, resolution Resolution, numPoints int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
}

// StreamingClient is implemented by venues with a public trade stream.
// Changing the symbol set requires StopPriceStream followed by a fresh
// StartPriceStream; candles persisted for newly added symbols should be
// seeded into the live cache before the subscription begins.
type StreamingClient interface {
	Client
	StartPriceStream(ctx context.Context, symbols []string) error
	StopPriceStream() error
	GetLiveCandles1m(symbol string) []Candle
}
