package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-worker/config"
	"trading-worker/internal/broker"
)

// Client talks to the Kraken REST API. Private calls carry an API-Sign
// header built from HMAC-SHA512 over the URI path and a SHA256 digest of
// nonce plus form body, keyed with the base64-decoded secret.
type Client struct {
	cfg        config.KrakenConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu        sync.Mutex
	connected bool
	nonce     int64
}

// NewClient creates a Kraken client from config
func NewClient(cfg config.KrakenConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
		logger:     logger.With().Str("component", "KrakenClient").Logger(),
	}
}

func (c *Client) Kind() broker.Kind { return broker.KindKraken }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect verifies the key pair with a balance call
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.privateRequest(ctx, "/0/private/Balance", url.Values{}); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect drops local state; Kraken keys have no server session
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

type tradeBalanceResult struct {
	EquivalentBalance float64 `json:"eb,string"`
	TradeBalance      float64 `json:"tb,string"`
	MarginUsed        float64 `json:"m,string"`
	UnrealizedPL      float64 `json:"n,string"`
	Equity            float64 `json:"e,string"`
	FreeMargin        float64 `json:"mf,string"`
}

// GetAccountState returns the trade balance snapshot in ZUSD
func (c *Client) GetAccountState(ctx context.Context) (*broker.AccountState, error) {
	params := url.Values{}
	params.Set("asset", "ZUSD")
	raw, err := c.privateRequest(ctx, "/0/private/TradeBalance", params)
	if err != nil {
		return nil, err
	}

	var result tradeBalanceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing trade balance: %w", err)
	}

	return &broker.AccountState{
		Balance:   result.TradeBalance,
		Available: result.FreeMargin,
		Equity:    result.Equity,
		Margin:    result.MarginUsed,
		Currency:  "USD",
	}, nil
}

type openPosition struct {
	Pair      string  `json:"pair"`
	Type      string  `json:"type"` // buy or sell
	Volume    float64 `json:"vol,string"`
	VolClosed float64 `json:"vol_closed,string"`
	Cost      float64 `json:"cost,string"`
	OpenTime  float64 `json:"time"`
}

// GetOpenPositions lists open margin positions
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	raw, err := c.privateRequest(ctx, "/0/private/OpenPositions", url.Values{})
	if err != nil {
		return nil, err
	}

	var result map[string]openPosition
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing open positions: %w", err)
	}

	positions := make([]broker.Position, 0, len(result))
	for txid, p := range result {
		direction := "LONG"
		if p.Type == "sell" {
			direction = "SHORT"
		}
		size := p.Volume - p.VolClosed
		var openLevel float64
		if p.Volume > 0 {
			openLevel = p.Cost / p.Volume
		}
		positions = append(positions, broker.Position{
			DealID:    txid,
			Symbol:    p.Pair,
			Direction: direction,
			Size:      size,
			OpenLevel: openLevel,
			Currency:  "USD",
			OpenedAt:  time.Unix(int64(p.OpenTime), 0).UTC(),
		})
	}
	return positions, nil
}

type tickerEntry struct {
	Ask []string `json:"a"`
	Bid []string `json:"b"`
	H   []string `json:"h"`
	L   []string `json:"l"`
}

// GetSymbolPrice returns the best bid/ask for a pair
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) (*broker.SymbolPrice, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}

	raw, err := c.publicRequest(ctx, "/0/public/Ticker?pair="+url.QueryEscape(symbol))
	if err != nil {
		return nil, err
	}

	var result map[string]tickerEntry
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing ticker: %w", err)
	}

	// Kraken keys the result by its canonical pair name
	for _, entry := range result {
		price := &broker.SymbolPrice{Symbol: symbol, Timestamp: time.Now().UTC()}
		if len(entry.Bid) > 0 {
			price.Bid, _ = strconv.ParseFloat(entry.Bid[0], 64)
		}
		if len(entry.Ask) > 0 {
			price.Ask, _ = strconv.ParseFloat(entry.Ask[0], 64)
		}
		if len(entry.H) > 1 {
			price.HighToday, _ = strconv.ParseFloat(entry.H[1], 64)
		}
		if len(entry.L) > 1 {
			price.LowToday, _ = strconv.ParseFloat(entry.L[1], 64)
		}
		return price, nil
	}
	return nil, broker.NewVenueError(broker.KindKraken, "PAIR_NOT_FOUND", symbol)
}

// GetHistoricalPrices returns OHLC bars ascending by time. Kraken's last
// bar is the currently forming one.
func (c *Client) GetHistoricalPrices(ctx context.Context, symbol string, resolution broker.Resolution, numPoints int) ([]broker.Candle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}
	interval, ok := map[broker.Resolution]int{
		broker.Resolution1m:  1,
		broker.Resolution5m:  5,
		broker.Resolution15m: 15,
		broker.Resolution1h:  60,
	}[resolution]
	if !ok {
		return nil, fmt.Errorf("%w: resolution %s", broker.ErrInvalidArgument, resolution)
	}

	path := fmt.Sprintf("/0/public/OHLC?pair=%s&interval=%d", url.QueryEscape(symbol), interval)
	raw, err := c.publicRequest(ctx, path)
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing ohlc: %w", err)
	}

	var candles []broker.Candle
	for key, val := range result {
		if key == "last" {
			continue
		}
		var rows [][]interface{}
		if err := json.Unmarshal(val, &rows); err != nil {
			return nil, fmt.Errorf("parsing ohlc rows: %w", err)
		}
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			ts, ok := row[0].(float64)
			if !ok {
				continue
			}
			candles = append(candles, broker.Candle{
				Symbol: symbol,
				Time:   time.Unix(int64(ts), 0).UTC(),
				Open:   parseFloat(row[1]),
				High:   parseFloat(row[2]),
				Low:    parseFloat(row[3]),
				Close:  parseFloat(row[4]),
				Volume: parseFloat(row[6]),
			})
		}
		break
	}
	if numPoints > 0 && len(candles) > numPoints {
		candles = candles[len(candles)-numPoints:]
	}
	return candles, nil
}

type addOrderResult struct {
	TxIDs []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

// PlaceOrder submits an order via AddOrder
func (c *Client) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("%w: missing order symbol", broker.ErrInvalidArgument)
	}

	side := "buy"
	if req.Direction == "SHORT" {
		side = "sell"
	}
	orderType := strings.ToLower(req.OrderType)
	if orderType == "" {
		orderType = "market"
	}

	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("type", side)
	params.Set("ordertype", orderType)
	params.Set("volume", strconv.FormatFloat(req.Size, 'f', -1, 64))
	if orderType == "limit" && req.Level > 0 {
		params.Set("price", strconv.FormatFloat(req.Level, 'f', -1, 64))
	}
	if req.StopLevel > 0 {
		params.Set("close[ordertype]", "stop-loss")
		params.Set("close[price]", strconv.FormatFloat(req.StopLevel, 'f', -1, 64))
	}

	raw, err := c.privateRequest(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return nil, err
	}

	var result addOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing add order: %w", err)
	}

	dealID := ""
	if len(result.TxIDs) > 0 {
		dealID = result.TxIDs[0]
	}
	return &broker.OrderResult{
		DealID:        dealID,
		DealReference: req.Reference,
		Status:        "ACCEPTED",
		Reason:        result.Descr.Order,
		Level:         req.Level,
		Size:          req.Size,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// apiEnvelope is the outer {error, result} wrapper of every response
type apiEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) publicRequest(ctx context.Context, path string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) privateRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}

	params.Set("nonce", strconv.FormatInt(c.nextNonce(), 10))
	body := params.Encode()

	sign, err := c.sign(path, params.Get("nonce"), body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sign)
	return c.do(req)
}

// sign computes base64(HMAC-SHA512(path + SHA256(nonce + body), secret))
func (c *Client) sign(path, nonce, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.cfg.SecretKey)
	if err != nil {
		return "", fmt.Errorf("%w: decoding api secret: %v", broker.ErrAuthentication, err)
	}

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) nextNonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.nonce {
		n = c.nonce + 1
	}
	c.nonce = n
	return n
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", broker.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", broker.ErrNetwork, err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing response envelope: %w", err)
	}
	if len(envelope.Error) > 0 {
		code := envelope.Error[0]
		if strings.HasPrefix(code, "EAPI:") || strings.HasPrefix(code, "EAuth:") {
			return nil, fmt.Errorf("%w: %s", broker.ErrAuthentication, code)
		}
		return nil, broker.NewVenueError(broker.KindKraken, code, strings.Join(envelope.Error, "; "))
	}
	return envelope.Result, nil
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
