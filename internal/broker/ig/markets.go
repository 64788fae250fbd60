package ig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trading-worker/internal/broker"
)

// resolutionMap translates internal resolutions to IG's names
var resolutionMap = map[broker.Resolution]string{
	broker.Resolution1m:  "MINUTE",
	broker.Resolution5m:  "MINUTE_5",
	broker.Resolution15m: "MINUTE_15",
	broker.Resolution1h:  "HOUR",
}

type accountsResponse struct {
	Accounts []struct {
		AccountID string `json:"accountId"`
		Currency  string `json:"currency"`
		Balance   struct {
			Balance    float64 `json:"balance"`
			Available  float64 `json:"available"`
			Deposit    float64 `json:"deposit"`
			ProfitLoss float64 `json:"profitLoss"`
		} `json:"balance"`
	} `json:"accounts"`
}

// GetAccountState returns the configured account's balance snapshot
func (c *Client) GetAccountState(ctx context.Context) (*broker.AccountState, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/accounts", nil, "1")
	if err != nil {
		return nil, err
	}

	var resp accountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing accounts: %w", err)
	}

	for _, acc := range resp.Accounts {
		if c.cfg.AccountID != "" && acc.AccountID != c.cfg.AccountID {
			continue
		}
		return &broker.AccountState{
			AccountID: acc.AccountID,
			Balance:   acc.Balance.Balance,
			Available: acc.Balance.Available,
			Equity:    acc.Balance.Balance + acc.Balance.ProfitLoss,
			Margin:    acc.Balance.Deposit,
			Currency:  acc.Currency,
		}, nil
	}
	return nil, broker.NewVenueError(broker.KindIG, "ACCOUNT_NOT_FOUND",
		fmt.Sprintf("account %s not in response", c.cfg.AccountID))
}

type positionsResponse struct {
	Positions []struct {
		Position struct {
			DealID      string  `json:"dealId"`
			Direction   string  `json:"direction"` // BUY or SELL
			Size        float64 `json:"size"`
			OpenLevel   float64 `json:"level"`
			StopLevel   float64 `json:"stopLevel"`
			LimitLevel  float64 `json:"limitLevel"`
			Currency    string  `json:"currency"`
			CreatedDate string  `json:"createdDateUTC"`
		} `json:"position"`
		Market struct {
			Epic string  `json:"epic"`
			Bid  float64 `json:"bid"`
			Ask  float64 `json:"offer"`
		} `json:"market"`
	} `json:"positions"`
}

// GetOpenPositions lists all open positions on the account
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/positions", nil, "2")
	if err != nil {
		return nil, err
	}

	var resp positionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	positions := make([]broker.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		direction := "LONG"
		current := p.Market.Bid
		if p.Position.Direction == "SELL" {
			direction = "SHORT"
			current = p.Market.Ask
		}
		opened, _ := time.Parse("2006-01-02T15:04:05", p.Position.CreatedDate)
		positions = append(positions, broker.Position{
			DealID:       p.Position.DealID,
			Symbol:       p.Market.Epic,
			Direction:    direction,
			Size:         p.Position.Size,
			OpenLevel:    p.Position.OpenLevel,
			CurrentLevel: current,
			StopLevel:    p.Position.StopLevel,
			LimitLevel:   p.Position.LimitLevel,
			Currency:     p.Position.Currency,
			OpenedAt:     opened,
		})
	}
	return positions, nil
}

type marketResponse struct {
	Snapshot struct {
		Bid        float64 `json:"bid"`
		Offer      float64 `json:"offer"`
		High       float64 `json:"high"`
		Low        float64 `json:"low"`
		UpdateTime string  `json:"updateTime"`
	} `json:"snapshot"`
}

// GetSymbolPrice returns the instantaneous quote for an epic
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) (*broker.SymbolPrice, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/markets/"+url.PathEscape(symbol), nil, "3")
	if err != nil {
		return nil, err
	}

	var resp marketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing market snapshot: %w", err)
	}

	return &broker.SymbolPrice{
		Symbol:    symbol,
		Bid:       resp.Snapshot.Bid,
		Ask:       resp.Snapshot.Offer,
		HighToday: resp.Snapshot.High,
		LowToday:  resp.Snapshot.Low,
		Timestamp: time.Now().UTC(),
	}, nil
}

type pricesResponse struct {
	Prices []struct {
		SnapshotTimeUTC string `json:"snapshotTimeUTC"`
		OpenPrice       igQuote `json:"openPrice"`
		HighPrice       igQuote `json:"highPrice"`
		LowPrice        igQuote `json:"lowPrice"`
		ClosePrice      igQuote `json:"closePrice"`
		LastTradedVolume float64 `json:"lastTradedVolume"`
	} `json:"prices"`
}

type igQuote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

func (q igQuote) mid() float64 { return (q.Bid + q.Ask) / 2 }

// GetHistoricalPrices returns up to numPoints candles ascending by time.
// IG's newest bar is the currently forming one.
func (c *Client) GetHistoricalPrices(ctx context.Context, symbol string, resolution broker.Resolution, numPoints int) ([]broker.Candle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", broker.ErrInvalidArgument)
	}
	igRes, ok := resolutionMap[resolution]
	if !ok {
		return nil, fmt.Errorf("%w: resolution %s", broker.ErrInvalidArgument, resolution)
	}

	path := fmt.Sprintf("/prices/%s?resolution=%s&max=%d&pageSize=%d",
		url.PathEscape(symbol), igRes, numPoints, numPoints)
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, "3")
	if err != nil {
		return nil, err
	}

	var resp pricesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing prices: %w", err)
	}

	candles := make([]broker.Candle, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		t, terr := time.Parse("2006-01-02T15:04:05", p.SnapshotTimeUTC)
		if terr != nil {
			continue
		}
		candles = append(candles, broker.Candle{
			Symbol: symbol,
			Time:   t.UTC(),
			Open:   p.OpenPrice.mid(),
			High:   p.HighPrice.mid(),
			Low:    p.LowPrice.mid(),
			Close:  p.ClosePrice.mid(),
			Volume: p.LastTradedVolume,
		})
	}
	return candles, nil
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

type dealConfirmResponse struct {
	DealID     string  `json:"dealId"`
	DealStatus string  `json:"dealStatus"` // ACCEPTED or REJECTED
	Reason     string  `json:"reason"`
	Level      float64 `json:"level"`
	Size       float64 `json:"size"`
}

// PlaceOrder opens an OTC position and confirms the deal reference
func (c *Client) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("%w: missing order symbol", broker.ErrInvalidArgument)
	}

	direction := "BUY"
	if req.Direction == "SHORT" {
		direction = "SELL"
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}

	payload := map[string]interface{}{
		"epic":             req.Symbol,
		"expiry":           "-",
		"direction":        direction,
		"size":             strconv.FormatFloat(req.Size, 'f', -1, 64),
		"orderType":        orderType,
		"guaranteedStop":   false,
		"forceOpen":        true,
		"currencyCode":     req.Currency,
	}
	if req.StopLevel > 0 {
		payload["stopLevel"] = req.StopLevel
	}
	if req.LimitLevel > 0 {
		payload["limitLevel"] = req.LimitLevel
	}
	if req.Reference != "" {
		payload["dealReference"] = req.Reference
	}
	body, _ := json.Marshal(payload)

	respBody, err := c.doRequest(ctx, http.MethodPost, "/positions/otc", body, "2")
	if err != nil {
		return nil, err
	}

	var ref dealReferenceResponse
	if err := json.Unmarshal(respBody, &ref); err != nil {
		return nil, fmt.Errorf("parsing deal reference: %w", err)
	}

	confirmBody, err := c.doRequest(ctx, http.MethodGet, "/confirms/"+url.PathEscape(ref.DealReference), nil, "1")
	if err != nil {
		return nil, err
	}

	var confirm dealConfirmResponse
	if err := json.Unmarshal(confirmBody, &confirm); err != nil {
		return nil, fmt.Errorf("parsing deal confirmation: %w", err)
	}

	result := &broker.OrderResult{
		DealID:        confirm.DealID,
		DealReference: ref.DealReference,
		Status:        confirm.DealStatus,
		Reason:        confirm.Reason,
		Level:         confirm.Level,
		Size:          confirm.Size,
		Timestamp:     time.Now().UTC(),
	}
	if confirm.DealStatus == "REJECTED" {
		return result, broker.NewVenueError(broker.KindIG, "DEAL_REJECTED", confirm.Reason)
	}
	return result, nil
}
