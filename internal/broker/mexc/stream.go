package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trading-worker/internal/broker"
)

const (
	defaultWSURL   = "wss://wbs.mexc.com/ws"
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// tradeStream maintains one websocket connection subscribed to the public
// deal channels of a symbol set, feeding every trade into the aggregator.
// The read loop reconnects with backoff until its context is cancelled.
type tradeStream struct {
	url     string
	symbols []string
	client  *Client
	logger  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// StartPriceStream opens the public trade stream for the given symbols.
// A running stream is stopped first, so a symbol-set change is a restart.
func (c *Client) StartPriceStream(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("%w: no symbols to stream", broker.ErrInvalidArgument)
	}
	_ = c.StopPriceStream()

	wsURL := c.cfg.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &tradeStream{
		url:     wsURL,
		symbols: append([]string(nil), symbols...),
		client:  c,
		logger:  c.logger.With().Str("component", "MEXCStream").Logger(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if err := s.connect(streamCtx); err != nil {
		cancel()
		close(s.done)
		return err
	}

	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()

	go s.run(streamCtx)
	return nil
}

// StopPriceStream tears down the stream if one is running
func (c *Client) StopPriceStream() error {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	s.closeConn()
	<-s.done
	return nil
}

// GetLiveCandles1m returns the aggregated 1-minute candles for a symbol,
// the forming bar included last.
func (c *Client) GetLiveCandles1m(symbol string) []broker.Candle {
	return c.aggregator.Candles(symbol, 0, true)
}

// SeedCandles preloads previously persisted candles so a restart does not
// lose bar history.
func (c *Client) SeedCandles(symbol string, candles []broker.Candle) {
	c.aggregator.Seed(symbol, candles)
}

// FlushForming commits every in-flight bar, used on shutdown
func (c *Client) FlushForming() []broker.Candle {
	return c.aggregator.FlushForming()
}

// StreamedSymbols returns the symbols with any aggregated candle state
func (c *Client) StreamedSymbols() []string {
	return c.aggregator.Symbols()
}

func (s *tradeStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", broker.ErrNetwork, s.url, err)
	}

	params := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		params = append(params, "spot@public.deals.v3.api@"+sym)
	}
	sub := map[string]interface{}{"method": "SUBSCRIPTION", "params": params}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("%w: subscribing: %v", broker.ErrNetwork, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Strs("symbols", s.symbols).Msg("trade stream connected")
	return nil
}

func (s *tradeStream) closeConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *tradeStream) run(ctx context.Context) {
	defer close(s.done)

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					_ = conn.WriteJSON(map[string]string{"method": "PING"})
				}
			}
		}
	}()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("trade stream dropped, reconnecting")
		s.closeConn()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("reconnect failed")
			continue
		}
		backoff = time.Second
	}
}

// dealMessage is the public deal channel payload
type dealMessage struct {
	Channel string `json:"c"`
	Symbol  string `json:"s"`
	Data    struct {
		Deals []struct {
			Price    float64 `json:"p,string"`
			Quantity float64 `json:"v,string"`
			Time     int64   `json:"t"`
		} `json:"deals"`
	} `json:"d"`
}

func (s *tradeStream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: stream not connected", broker.ErrNotConnected)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg dealMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
			continue // PONG and subscription acks
		}

		for _, d := range msg.Data.Deals {
			if finished := s.client.aggregator.AddTrade(broker.Trade{
				Symbol:   msg.Symbol,
				Price:    d.Price,
				Quantity: d.Quantity,
				Time:     time.UnixMilli(d.Time).UTC(),
			}); finished != nil {
				s.logger.Debug().
					Str("symbol", finished.Symbol).
					Time("bar", finished.Time).
					Float64("close", finished.Close).
					Msg("1m candle closed")
			}
		}
	}
}
