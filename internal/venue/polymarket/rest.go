package polymarket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

// restClient wraps the CLOB REST API for one-shot snapshots and market
// metadata lookups.
type restClient struct {
	http *venue.HTTPClient
}

type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

func (c *restClient) OrderbookSnapshot(ctx context.Context, symbol string) (*models.SnapshotEvent, error) {
	var resp bookResponse
	if err := c.http.GetJSON(ctx, "/book?token_id="+symbol, &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return nil, venue.ErrMarketNotFound
		}
		return nil, fmt.Errorf("fetch polymarket book: %w", err)
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return nil, err
	}
	at := parseMillis(resp.Timestamp)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &models.SnapshotEvent{Bids: bids, Asks: asks, At: at}, nil
}

type marketResponse struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

func (c *restClient) Market(ctx context.Context, symbol string) (*models.Market, error) {
	var resp marketResponse
	if err := c.http.GetJSON(ctx, "/markets/"+symbol, &resp); err != nil {
		var se *venue.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return nil, venue.ErrMarketNotFound
		}
		return nil, fmt.Errorf("fetch polymarket market: %w", err)
	}

	outcomes := make([]models.Outcome, 0, len(resp.Tokens))
	for _, tok := range resp.Tokens {
		outcomes = append(outcomes, models.Outcome{ID: tok.TokenID, Name: tok.Outcome})
	}
	return &models.Market{
		Venue:    VenueName,
		Symbol:   symbol,
		Question: resp.Question,
		Outcomes: outcomes,
		Active:   resp.Active && !resp.Closed,
	}, nil
}
