package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-worker/config"
	"trading-worker/internal/broker"
	"trading-worker/internal/stream"
)

// Client talks to the MEXC spot REST API. Requests are signed with
// HMAC-SHA256 over the query string; there is no server-side session, so
// Connect validates the key pair and Disconnect only drops local state.
type Client struct {
	cfg        config.MEXCConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu        sync.Mutex
	connected bool

	// live stream state
	aggregator *stream.Aggregator
	stream     *tradeStream
}

// NewClient creates a MEXC client from config
func NewClient(cfg config.MEXCConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		logger:     logger.With().Str("component", "MEXCClient").Logger(),
		aggregator: stream.NewAggregator(0),
	}
}

func (c *Client) Kind() broker.Kind { return broker.KindMEXC }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect verifies the credentials with a signed account call
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect stops any stream and drops local session state
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.StopPriceStream()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

// GetAccountState sums USDT balances into an account snapshot. MEXC spot
// has no margin, so equity equals balance and margin is zero.
func (c *Client) GetAccountState(ctx context.Context) (*broker.AccountState, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing account: %w", err)
	}

	state := &broker.AccountState{Currency: "USDT"}
	for _, b := range resp.Balances {
		if b.Asset != "USDT" {
			continue
		}
		state.Balance = b.Free + b.Locked
		state.Available = b.Free
		state.Equity = state.Balance
	}
	return state, nil
}

// GetOpenPositions returns an empty list: spot holdings are not leveraged
// positions, and the worker treats non-quote balances as inventory, not
// open trades.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return []broker.Position{}, nil
}

type bookTickerResponse struct {
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bidPrice,string"`
	AskPrice float64 `json:"askPrice,string"`
}

// GetSymbolPrice returns the best bid/ask quote
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) (*broker.SymbolPrice, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}

	body, err := c.publicRequest(ctx, "/api/v3/ticker/bookTicker?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return nil, err
	}

	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing book ticker: %w", err)
	}

	return &broker.SymbolPrice{
		Symbol:    symbol,
		Bid:       resp.BidPrice,
		Ask:       resp.AskPrice,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetHistoricalPrices fetches klines ascending by open time. MEXC's last
// bar is the currently forming one.
func (c *Client) GetHistoricalPrices(ctx context.Context, symbol string, resolution broker.Resolution, numPoints int) ([]broker.Candle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}
	interval, ok := map[broker.Resolution]string{
		broker.Resolution1m:  "1m",
		broker.Resolution5m:  "5m",
		broker.Resolution15m: "15m",
		broker.Resolution1h:  "60m",
	}[resolution]
	if !ok {
		return nil, fmt.Errorf("%w: resolution %s", broker.ErrInvalidArgument, resolution)
	}

	path := fmt.Sprintf("/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		url.QueryEscape(symbol), interval, numPoints)
	body, err := c.publicRequest(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	candles := make([]broker.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, broker.Candle{
			Symbol: symbol,
			Time:   time.UnixMilli(int64(openTime)).UTC(),
			Open:   parseFloat(k[1]),
			High:   parseFloat(k[2]),
			Low:    parseFloat(k[3]),
			Close:  parseFloat(k[4]),
			Volume: parseFloat(k[5]),
		})
	}
	return candles, nil
}

type orderResponse struct {
	Symbol      string  `json:"symbol"`
	OrderID     string  `json:"orderId"`
	Price       float64 `json:"price,string"`
	OrigQty     float64 `json:"origQty,string"`
	Status      string  `json:"status"`
	TransactTime int64  `json:"transactTime"`
}

// PlaceOrder submits a spot order
func (c *Client) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("%w: missing order symbol", broker.ErrInvalidArgument)
	}

	side := "BUY"
	if req.Direction == "SHORT" {
		side = "SELL"
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(req.Size, 'f', -1, 64))
	if orderType == "LIMIT" && req.Level > 0 {
		params.Set("price", strconv.FormatFloat(req.Level, 'f', -1, 64))
	}
	if req.Reference != "" {
		params.Set("newClientOrderId", req.Reference)
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}

	return &broker.OrderResult{
		DealID:        resp.OrderID,
		DealReference: req.Reference,
		Status:        resp.Status,
		Level:         resp.Price,
		Size:          resp.OrigQty,
		Timestamp:     time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

type venueErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// publicRequest performs an unsigned GET
func (c *Client) publicRequest(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// signedRequest performs a request signed with HMAC-SHA256 over the query
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MEXC-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", broker.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", broker.ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", broker.ErrAuthentication, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		var ve venueErrorBody
		_ = json.Unmarshal(body, &ve)
		return nil, broker.NewVenueError(broker.KindMEXC, strconv.Itoa(ve.Code), ve.Msg)
	}
	return body, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
