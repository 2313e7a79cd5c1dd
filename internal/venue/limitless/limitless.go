// Package limitless integrates the Limitless exchange websocket and REST
// API. The venue is session based: a REST login yields a token that must be
// embedded in every subscribe frame, and a dropped connection invalidates
// the session, so reconnect attempts are bounded. Prices arrive as decimal
// odds and are converted to implied probabilities.
package limitless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"oddsflow/config"
	"oddsflow/internal/creds"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

const VenueName = "limitless"

const keepaliveInterval = 30 * time.Second

var channelNames = map[models.ChannelKind]string{
	models.ChannelBook:  "orderbook",
	models.ChannelPrice: "prices",
	models.ChannelTrade: "trades",
}

// Adapter implements venue.Adapter for Limitless.
type Adapter struct {
	wsURL   string
	session *session
	rest    *restClient
}

func New(cfg config.VenueConfig, provider creds.Provider) *Adapter {
	httpClient := venue.NewHTTPClient(cfg.RESTURL, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, cfg.RequestTimeout)
	sess := newSession(httpClient, provider)
	return &Adapter{
		wsURL:   cfg.WSURL,
		session: sess,
		rest:    &restClient{http: httpClient, session: sess},
	}
}

func (a *Adapter) Name() string { return VenueName }

// Endpoint performs the session login so a token is available for the
// subscribe frames sent right after the socket opens.
func (a *Adapter) Endpoint(ctx context.Context) (string, http.Header, error) {
	if _, err := a.session.Token(ctx); err != nil {
		return "", nil, err
	}
	return a.wsURL, nil, nil
}

// AuthFrames is empty: the token rides on each subscribe frame instead.
func (a *Adapter) AuthFrames() ([][]byte, error) { return nil, nil }

type commandFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Market  string `json:"market"`
	Token   string `json:"token"`
}

func (a *Adapter) frames(op string, sub models.Subscription) ([][]byte, error) {
	token := a.session.CachedToken()
	if token == "" {
		return nil, fmt.Errorf("%w: no limitless session", venue.ErrAuthentication)
	}

	kinds := sub.Channels
	if len(kinds) == 0 {
		kinds = []models.ChannelKind{models.ChannelBook}
	}
	out := make([][]byte, 0, len(kinds))
	for _, kind := range kinds {
		name, ok := channelNames[kind]
		if !ok {
			return nil, fmt.Errorf("unsupported channel %q", kind)
		}
		frame, err := json.Marshal(commandFrame{Type: op, Channel: name, Market: sub.Symbol, Token: token})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func (a *Adapter) SubscribeFrames(sub models.Subscription) ([][]byte, error) {
	return a.frames("subscribe", sub)
}

func (a *Adapter) UnsubscribeFrames(sub models.Subscription) ([][]byte, error) {
	return a.frames("unsubscribe", sub)
}

// Heartbeat: client JSON ping every 30s; the server answers with a pong
// frame Decode swallows.
func (a *Adapter) Heartbeat() venue.Heartbeat {
	return venue.Heartbeat{
		Interval: keepaliveInterval,
		Frame:    func() []byte { return []byte(`{"type":"ping"}`) },
	}
}

func (a *Adapter) NativeSequence() bool { return true }

func (a *Adapter) REST() venue.RESTClient { return a.rest }

type wireFrame struct {
	Type    string       `json:"type"`
	Market  string       `json:"market"`
	Seq     uint64       `json:"seq"`
	Bids    [][2]float64 `json:"bids"`
	Asks    [][2]float64 `json:"asks"`
	Side    string       `json:"side"`
	Odds    float64      `json:"odds"`
	Delta   float64      `json:"delta"`
	Outcome string       `json:"outcome"`
	Stake   float64      `json:"stake"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	TS      int64        `json:"ts"`
}

func (a *Adapter) Decode(data []byte) ([]models.Event, error) {
	var frame wireFrame
	if err := json.Unmarshal(bytes.TrimSpace(data), &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	at := parseMillis(frame.TS)

	switch frame.Type {
	case "pong", "subscribed", "unsubscribed":
		if frame.Type == "pong" {
			return nil, nil
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: frame.Market,
			Type:   models.EventAck,
			Ack:    &models.AckEvent{Channel: frame.Side, OK: true},
		}}, nil

	case "error":
		auth := frame.Code == "invalid_token" || frame.Code == "unauthorized"
		return []models.Event{{
			Venue:  VenueName,
			Symbol: frame.Market,
			Type:   models.EventError,
			Err:    &models.ErrorEvent{Code: frame.Code, Message: frame.Message, Auth: auth},
		}}, nil

	case "orderbook_snapshot":
		bids, err := oddsLevels(frame.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := oddsLevels(frame.Asks)
		if err != nil {
			return nil, err
		}
		return []models.Event{{
			Venue:    VenueName,
			Symbol:   frame.Market,
			Type:     models.EventSnapshot,
			Snapshot: &models.SnapshotEvent{Bids: bids, Asks: asks, Seq: frame.Seq, At: at},
		}}, nil

	case "orderbook_update":
		price, err := oddsToProb(frame.Odds)
		if err != nil {
			return nil, err
		}
		side := models.Bid
		if frame.Side == "lay" {
			side = models.Ask
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: frame.Market,
			Type:   models.EventDelta,
			Delta: &models.DeltaEvent{
				Side:   side,
				Price:  price,
				Size:   frame.Delta,
				Seq:    frame.Seq,
				HasSeq: true,
				At:     at,
			},
		}}, nil

	case "price":
		price, err := oddsToProb(frame.Odds)
		if err != nil {
			return nil, err
		}
		outcome := frame.Outcome
		if outcome == "" {
			outcome = frame.Market
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: frame.Market,
			Type:   models.EventTicker,
			Ticker: &models.TickerEvent{OutcomeID: outcome, Price: price, At: at},
		}}, nil

	case "trade":
		price, err := oddsToProb(frame.Odds)
		if err != nil {
			return nil, err
		}
		side := models.Bid
		if frame.Side == "lay" {
			side = models.Ask
		}
		outcome := frame.Outcome
		if outcome == "" {
			outcome = frame.Market
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: frame.Market,
			Type:   models.EventTrade,
			Trade: &models.TradeEvent{
				OutcomeID: outcome,
				Side:      side,
				Price:     price,
				Size:      frame.Stake,
				At:        at,
			},
		}}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func oddsLevels(in [][2]float64) ([]models.Level, error) {
	out := make([]models.Level, 0, len(in))
	for _, lvl := range in {
		price, err := oddsToProb(lvl[0])
		if err != nil {
			return nil, err
		}
		out = append(out, models.Level{Price: price, Size: lvl[1]})
	}
	return out, nil
}

// oddsToProb converts decimal odds to implied probability. Decimal odds
// below 1 would imply a probability above certainty and are rejected.
func oddsToProb(odds float64) (float64, error) {
	if odds < 1 {
		return 0, fmt.Errorf("decimal odds %v below 1", odds)
	}
	return 1 / odds, nil
}

func parseMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
