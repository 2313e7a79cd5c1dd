package kalshi

import (
	"context"
	"errors"
	"fmt"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

// restClient wraps the trade API REST surface for snapshot polling and
// market metadata. These endpoints are public; only the websocket needs
// the signed handshake.
type restClient struct {
	http *venue.HTTPClient
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][2]int64 `json:"yes"`
		No  [][2]int64 `json:"no"`
	} `json:"orderbook"`
}

func (c *restClient) OrderbookSnapshot(ctx context.Context, symbol string) (*models.SnapshotEvent, error) {
	var resp orderbookResponse
	path := fmt.Sprintf("/markets/%s/orderbook", symbol)
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return nil, venue.ErrMarketNotFound
		}
		return nil, fmt.Errorf("fetch kalshi orderbook: %w", err)
	}

	bids := make([]models.Level, 0, len(resp.Orderbook.Yes))
	for _, lvl := range resp.Orderbook.Yes {
		bids = append(bids, models.Level{Price: centsToProb(lvl[0]), Size: float64(lvl[1])})
	}
	asks := make([]models.Level, 0, len(resp.Orderbook.No))
	for _, lvl := range resp.Orderbook.No {
		asks = append(asks, models.Level{Price: centsToProb(100 - lvl[0]), Size: float64(lvl[1])})
	}
	return &models.SnapshotEvent{Bids: bids, Asks: asks}, nil
}

type marketResponse struct {
	Market struct {
		Ticker   string `json:"ticker"`
		Title    string `json:"title"`
		Status   string `json:"status"`
		YesSubID string `json:"yes_sub_title"`
		NoSubID  string `json:"no_sub_title"`
	} `json:"market"`
}

func (c *restClient) Market(ctx context.Context, symbol string) (*models.Market, error) {
	var resp marketResponse
	path := fmt.Sprintf("/markets/%s", symbol)
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return nil, venue.ErrMarketNotFound
		}
		return nil, fmt.Errorf("fetch kalshi market: %w", err)
	}

	yesName := resp.Market.YesSubID
	if yesName == "" {
		yesName = "Yes"
	}
	noName := resp.Market.NoSubID
	if noName == "" {
		noName = "No"
	}
	return &models.Market{
		Venue:    VenueName,
		Symbol:   symbol,
		Question: resp.Market.Title,
		Outcomes: []models.Outcome{
			{ID: symbol + ":yes", Name: yesName},
			{ID: symbol + ":no", Name: noName},
		},
		Active: resp.Market.Status == "active",
	}, nil
}
