// Package polymarket integrates the Polymarket CLOB market websocket and
// REST API. The public market channel needs no authentication; the venue
// does not assign sequence numbers, so deltas leave here unsequenced and
// carry absolute level sizes.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"oddsflow/config"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

const VenueName = "polymarket"

const keepaliveInterval = 10 * time.Second

// Adapter implements venue.Adapter for Polymarket.
type Adapter struct {
	wsURL string
	rest  *restClient
}

func New(cfg config.VenueConfig) *Adapter {
	return &Adapter{
		wsURL: cfg.WSURL,
		rest: &restClient{
			http: venue.NewHTTPClient(cfg.RESTURL, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, cfg.RequestTimeout),
		},
	}
}

func (a *Adapter) Name() string { return VenueName }

func (a *Adapter) Endpoint(ctx context.Context) (string, http.Header, error) {
	return a.wsURL, nil, nil
}

// AuthFrames is empty: the market channel is public.
func (a *Adapter) AuthFrames() ([][]byte, error) { return nil, nil }

type subscribeFrame struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
	Action   string   `json:"action,omitempty"`
}

func (a *Adapter) SubscribeFrames(sub models.Subscription) ([][]byte, error) {
	frame, err := json.Marshal(subscribeFrame{Type: "market", AssetIDs: []string{sub.Symbol}})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrames(sub models.Subscription) ([][]byte, error) {
	frame, err := json.Marshal(subscribeFrame{Type: "market", AssetIDs: []string{sub.Symbol}, Action: "unsubscribe"})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Heartbeat: the client sends the literal text PING every 10s; the server
// answers with the literal PONG, which Decode swallows.
func (a *Adapter) Heartbeat() venue.Heartbeat {
	return venue.Heartbeat{
		Interval: keepaliveInterval,
		Frame:    func() []byte { return []byte("PING") },
	}
}

func (a *Adapter) NativeSequence() bool { return false }

func (a *Adapter) REST() venue.RESTClient { return a.rest }

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireChange struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

type wireEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []wireLevel  `json:"bids"`
	Asks      []wireLevel  `json:"asks"`
	Changes   []wireChange `json:"price_changes"`
	Price     string       `json:"price"`
	Size      string       `json:"size"`
	Side      string       `json:"side"`
	Timestamp string       `json:"timestamp"`
}

// Decode handles both single events and the batched array form the CLOB
// socket uses. The literal PONG keepalive reply produces no events.
func (a *Adapter) Decode(data []byte) ([]models.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("PONG")) || bytes.Equal(trimmed, []byte("PING")) {
		return nil, nil
	}

	var raw []wireEvent
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode event batch: %w", err)
		}
	} else {
		var one wireEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		raw = []wireEvent{one}
	}

	events := make([]models.Event, 0, len(raw))
	for _, we := range raw {
		evs, err := a.decodeOne(we)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (a *Adapter) decodeOne(we wireEvent) ([]models.Event, error) {
	at := parseMillis(we.Timestamp)

	switch we.EventType {
	case "book":
		bids, err := parseLevels(we.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseLevels(we.Asks)
		if err != nil {
			return nil, err
		}
		return []models.Event{{
			Venue:    VenueName,
			Symbol:   we.AssetID,
			Type:     models.EventSnapshot,
			Snapshot: &models.SnapshotEvent{Bids: bids, Asks: asks, At: at},
		}}, nil

	case "price_change":
		events := make([]models.Event, 0, len(we.Changes))
		for _, ch := range we.Changes {
			price, err := parseProbability(ch.Price)
			if err != nil {
				return nil, err
			}
			size, err := strconv.ParseFloat(ch.Size, 64)
			if err != nil {
				return nil, fmt.Errorf("parse size %q: %w", ch.Size, err)
			}
			events = append(events, models.Event{
				Venue:  VenueName,
				Symbol: we.AssetID,
				Type:   models.EventDelta,
				Delta: &models.DeltaEvent{
					Side:     parseSide(ch.Side),
					Price:    price,
					Size:     size,
					Absolute: true,
					At:       at,
				},
			})
		}
		return events, nil

	case "last_trade_price":
		price, err := parseProbability(we.Price)
		if err != nil {
			return nil, err
		}
		size := 0.0
		if we.Size != "" {
			if size, err = strconv.ParseFloat(we.Size, 64); err != nil {
				return nil, fmt.Errorf("parse size %q: %w", we.Size, err)
			}
		}
		return []models.Event{
			{
				Venue:  VenueName,
				Symbol: we.AssetID,
				Type:   models.EventTrade,
				Trade: &models.TradeEvent{
					OutcomeID: we.AssetID,
					Side:      parseSide(we.Side),
					Price:     price,
					Size:      size,
					At:        at,
				},
			},
			{
				Venue:  VenueName,
				Symbol: we.AssetID,
				Type:   models.EventTicker,
				Ticker: &models.TickerEvent{OutcomeID: we.AssetID, Price: price, At: at},
			},
		}, nil

	case "tick_size_change":
		// Venue housekeeping; nothing downstream cares.
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown event_type %q", we.EventType)
	}
}

func parseLevels(in []wireLevel) ([]models.Level, error) {
	out := make([]models.Level, 0, len(in))
	for _, wl := range in {
		price, err := parseProbability(wl.Price)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(wl.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", wl.Size, err)
		}
		out = append(out, models.Level{Price: price, Size: size})
	}
	return out, nil
}

// parseProbability parses a price string and rejects values outside [0,1].
// Polymarket prices are already probabilities.
func parseProbability(s string) (float64, error) {
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("price %v outside [0,1]", p)
	}
	return p, nil
}

func parseSide(s string) models.Side {
	if s == "SELL" || s == "sell" {
		return models.Ask
	}
	return models.Bid
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
