// Package kalshi integrates the Kalshi trade API websocket and REST API.
// Kalshi is the strict venue of the set: commands carry correlation ids and
// are acknowledged, data frames carry native per-subscription sequence
// numbers, and the handshake is signed. Prices arrive in cents.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"oddsflow/config"
	"oddsflow/internal/creds"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

const VenueName = "kalshi"

const serverPingInterval = 10 * time.Second

// channel name mapping between the engine's channel kinds and the wire.
var channelNames = map[models.ChannelKind]string{
	models.ChannelBook:  "orderbook_delta",
	models.ChannelPrice: "ticker",
	models.ChannelTrade: "trade",
}

type pendingCommand struct {
	op     string
	symbol string
}

// Adapter implements venue.Adapter for Kalshi.
type Adapter struct {
	wsURL  string
	wsPath string
	creds  creds.Provider
	rest   *restClient

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]pendingCommand
}

func New(cfg config.VenueConfig, provider creds.Provider) *Adapter {
	return &Adapter{
		wsURL:   cfg.WSURL,
		wsPath:  "/trade-api/ws/v2",
		creds:   provider,
		pending: make(map[int64]pendingCommand),
		rest: &restClient{
			http: venue.NewHTTPClient(cfg.RESTURL, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, cfg.RequestTimeout),
		},
	}
}

func (a *Adapter) Name() string { return VenueName }

// Endpoint signs the handshake: access key, millisecond timestamp and an
// HMAC-SHA256 signature over timestamp+method+path.
func (a *Adapter) Endpoint(ctx context.Context) (string, http.Header, error) {
	c, ok := a.creds.Credentials(VenueName)
	if !ok || !c.HasAPIKey() {
		return "", nil, fmt.Errorf("%w: kalshi requires an API key id and secret", venue.ErrAuthentication)
	}

	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	header := http.Header{}
	header.Set("KALSHI-ACCESS-KEY", c.APIKeyID)
	header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	header.Set("KALSHI-ACCESS-SIGNATURE", sign(c.APISecret, ts+"GET"+a.wsPath))
	return a.wsURL, header, nil
}

// AuthFrames is empty: authentication happens on the handshake.
func (a *Adapter) AuthFrames() ([][]byte, error) { return nil, nil }

type commandFrame struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

func (a *Adapter) commandFor(op string, sub models.Subscription) ([]byte, error) {
	channels := make([]string, 0, len(sub.Channels))
	for _, kind := range sub.Channels {
		name, ok := channelNames[kind]
		if !ok {
			return nil, fmt.Errorf("unsupported channel %q", kind)
		}
		channels = append(channels, name)
	}
	if len(channels) == 0 {
		channels = append(channels, channelNames[models.ChannelBook])
	}

	id := a.nextID.Add(1)
	a.mu.Lock()
	a.pending[id] = pendingCommand{op: op, symbol: sub.Symbol}
	a.mu.Unlock()

	return json.Marshal(commandFrame{
		ID:  id,
		Cmd: op,
		Params: commandParams{
			Channels:      channels,
			MarketTickers: []string{sub.Symbol},
		},
	})
}

func (a *Adapter) SubscribeFrames(sub models.Subscription) ([][]byte, error) {
	frame, err := a.commandFor("subscribe", sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrames(sub models.Subscription) ([][]byte, error) {
	frame, err := a.commandFor("unsubscribe", sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Heartbeat: the server pings; the client only answers pongs.
func (a *Adapter) Heartbeat() venue.Heartbeat {
	return venue.Heartbeat{Interval: serverPingInterval, ServerPing: true}
}

func (a *Adapter) NativeSequence() bool { return true }

func (a *Adapter) REST() venue.RESTClient { return a.rest }

func (a *Adapter) takePending(id int64) (pendingCommand, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cmd, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	return cmd, ok
}

type wireFrame struct {
	Type string          `json:"type"`
	ID   int64           `json:"id"`
	SID  int64           `json:"sid"`
	Seq  uint64          `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type subscribedMsg struct {
	Channel string `json:"channel"`
	SID     int64  `json:"sid"`
}

type errorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type snapshotMsg struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
	TS           int64      `json:"ts"`
}

type deltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"`
	TS           int64  `json:"ts"`
}

type tickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	TS           int64  `json:"ts"`
}

type tradeMsg struct {
	MarketTicker string `json:"market_ticker"`
	YesPrice     int64  `json:"yes_price"`
	Count        int64  `json:"count"`
	TakerSide    string `json:"taker_side"`
	TS           int64  `json:"ts"`
}

// authErrorCodes are the error codes the venue uses for credential problems.
var authErrorCodes = map[int]bool{401: true, 403: true}

func (a *Adapter) Decode(data []byte) ([]models.Event, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case "subscribed", "unsubscribed":
		var msg subscribedMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode %s ack: %w", frame.Type, err)
		}
		cmd, _ := a.takePending(frame.ID)
		return []models.Event{{
			Venue:  VenueName,
			Symbol: cmd.symbol,
			Type:   models.EventAck,
			Ack: &models.AckEvent{
				CommandID: frame.ID,
				SID:       msg.SID,
				Channel:   msg.Channel,
				OK:        true,
			},
		}}, nil

	case "error":
		var msg errorMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		if authErrorCodes[msg.Code] {
			return []models.Event{{
				Venue: VenueName,
				Type:  models.EventError,
				Err:   &models.ErrorEvent{Code: fmt.Sprintf("%d", msg.Code), Message: msg.Msg, Auth: true},
			}}, nil
		}
		cmd, correlated := a.takePending(frame.ID)
		if correlated {
			// A rejected command is an ack with OK=false, not a connection error.
			return []models.Event{{
				Venue:  VenueName,
				Symbol: cmd.symbol,
				Type:   models.EventAck,
				Ack: &models.AckEvent{
					CommandID: frame.ID,
					OK:        false,
					Message:   msg.Msg,
				},
			}}, nil
		}
		return []models.Event{{
			Venue: VenueName,
			Type:  models.EventError,
			Err:   &models.ErrorEvent{Code: fmt.Sprintf("%d", msg.Code), Message: msg.Msg},
		}}, nil

	case "orderbook_snapshot":
		var msg snapshotMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		bids := make([]models.Level, 0, len(msg.Yes))
		for _, lvl := range msg.Yes {
			bids = append(bids, models.Level{Price: centsToProb(lvl[0]), Size: float64(lvl[1])})
		}
		// Resting NO orders at price p are offers of YES at 100-p.
		asks := make([]models.Level, 0, len(msg.No))
		for _, lvl := range msg.No {
			asks = append(asks, models.Level{Price: centsToProb(100 - lvl[0]), Size: float64(lvl[1])})
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: msg.MarketTicker,
			Type:   models.EventSnapshot,
			Snapshot: &models.SnapshotEvent{
				Bids: bids,
				Asks: asks,
				Seq:  frame.Seq,
				At:   parseTS(msg.TS),
			},
		}}, nil

	case "orderbook_delta":
		var msg deltaMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		side := models.Bid
		price := centsToProb(msg.Price)
		if msg.Side == "no" {
			side = models.Ask
			price = centsToProb(100 - msg.Price)
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: msg.MarketTicker,
			Type:   models.EventDelta,
			Delta: &models.DeltaEvent{
				Side:   side,
				Price:  price,
				Size:   float64(msg.Delta),
				Seq:    frame.Seq,
				HasSeq: true,
				At:     parseTS(msg.TS),
			},
		}}, nil

	case "ticker":
		var msg tickerMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: msg.MarketTicker,
			Type:   models.EventTicker,
			Ticker: &models.TickerEvent{
				OutcomeID: msg.MarketTicker,
				Price:     centsToProb(msg.Price),
				At:        parseTS(msg.TS),
			},
		}}, nil

	case "trade":
		var msg tradeMsg
		if err := json.Unmarshal(frame.Msg, &msg); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		side := models.Bid
		if msg.TakerSide == "no" {
			side = models.Ask
		}
		return []models.Event{{
			Venue:  VenueName,
			Symbol: msg.MarketTicker,
			Type:   models.EventTrade,
			Trade: &models.TradeEvent{
				OutcomeID: msg.MarketTicker,
				Side:      side,
				Price:     centsToProb(msg.YesPrice),
				Size:      float64(msg.Count),
				At:        parseTS(msg.TS),
			},
		}}, nil

	case "ok": // heartbeat acknowledgement, nothing to forward
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func centsToProb(cents int64) float64 {
	return float64(cents) / 100
}

func parseTS(ts int64) time.Time {
	if ts == 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
