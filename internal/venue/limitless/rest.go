package limitless

import (
	"context"
	"errors"
	"fmt"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

// restClient wraps the exchange REST API. Snapshot and market endpoints
// require a live session token, passed as a bearer header.
type restClient struct {
	http    *venue.HTTPClient
	session *session
}

func (c *restClient) authorize(ctx context.Context) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		return err
	}
	c.http.SetHeader("Authorization", "Bearer "+token)
	return nil
}

type orderbookResponse struct {
	Market string       `json:"market"`
	Seq    uint64       `json:"seq"`
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
	TS     int64        `json:"ts"`
}

func (c *restClient) OrderbookSnapshot(ctx context.Context, symbol string) (*models.SnapshotEvent, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}

	var resp orderbookResponse
	if err := c.http.GetJSON(ctx, "/markets/"+symbol+"/orderbook", &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) {
			switch se.Code {
			case 404:
				return nil, venue.ErrMarketNotFound
			case 401, 403:
				c.session.Invalidate()
			}
		}
		return nil, fmt.Errorf("fetch limitless orderbook: %w", err)
	}

	bids, err := oddsLevels(resp.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := oddsLevels(resp.Asks)
	if err != nil {
		return nil, err
	}
	return &models.SnapshotEvent{Bids: bids, Asks: asks, Seq: resp.Seq, At: parseMillis(resp.TS)}, nil
}

type marketResponse struct {
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Outcomes []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"outcomes"`
}

func (c *restClient) Market(ctx context.Context, symbol string) (*models.Market, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}

	var resp marketResponse
	if err := c.http.GetJSON(ctx, "/markets/"+symbol, &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) {
			switch se.Code {
			case 404:
				return nil, venue.ErrMarketNotFound
			case 401, 403:
				c.session.Invalidate()
			}
		}
		return nil, fmt.Errorf("fetch limitless market: %w", err)
	}

	outcomes := make([]models.Outcome, 0, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		outcomes = append(outcomes, models.Outcome{ID: o.ID, Name: o.Name})
	}
	return &models.Market{
		Venue:    VenueName,
		Symbol:   symbol,
		Question: resp.Title,
		Outcomes: outcomes,
		Active:   resp.Status == "open",
	}, nil
}
