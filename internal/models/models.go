// Package models holds the venue-agnostic types that cross package
// boundaries inside the feed engine. Venue wire payloads never leave their
// codec; everything here is already normalized (prices are [0,1]
// probabilities, sides are Bid/Ask, sequence numbers are uint64).
package models

import (
	"fmt"
	"time"
)

// ChannelKind identifies a subscription channel on a venue.
type ChannelKind string

const (
	// ChannelBook subscribes to order book snapshots and deltas.
	ChannelBook ChannelKind = "book"
	// ChannelPrice subscribes to per-outcome price ticks.
	ChannelPrice ChannelKind = "price"
	// ChannelTrade subscribes to executed trades.
	ChannelTrade ChannelKind = "trade"
)

// Side of the order book.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Subscription is the unit of interest in one symbol on one venue.
// Unique key is (Venue, Symbol).
type Subscription struct {
	Venue    string
	Symbol   string
	Channels []ChannelKind
}

// Key returns the canonical map key for a (venue, symbol) pair.
func (s Subscription) Key() string {
	return SubKey(s.Venue, s.Symbol)
}

// HasChannel reports whether the subscription covers the given channel.
func (s Subscription) HasChannel(kind ChannelKind) bool {
	for _, c := range s.Channels {
		if c == kind {
			return true
		}
	}
	return false
}

// SubKey builds the canonical "venue|symbol" key.
func SubKey(venue, symbol string) string {
	return venue + "|" + symbol
}

// Level is one price level of an order book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookView is an immutable snapshot of a reconstructed book, handed to
// readers. Bids are sorted best (highest) first, asks best (lowest) first.
type OrderbookView struct {
	Venue      string    `json:"venue"`
	Symbol     string    `json:"symbol"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	LastSeq    uint64    `json:"last_seq"`
	LastUpdate time.Time `json:"last_update"`
}

// BestBid returns the highest bid, or false when the bid side is empty.
func (v *OrderbookView) BestBid() (Level, bool) {
	if len(v.Bids) == 0 {
		return Level{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the ask side is empty.
func (v *OrderbookView) BestAsk() (Level, bool) {
	if len(v.Asks) == 0 {
		return Level{}, false
	}
	return v.Asks[0], true
}

// MidPrice is the midpoint of the best bid and ask. When only one side is
// populated it falls back to that side's best price; when both are empty it
// returns false.
func (v *OrderbookView) MidPrice() (float64, bool) {
	bb, hasBid := v.BestBid()
	ba, hasAsk := v.BestAsk()
	switch {
	case hasBid && hasAsk:
		return (bb.Price + ba.Price) / 2, true
	case hasBid:
		return bb.Price, true
	case hasAsk:
		return ba.Price, true
	default:
		return 0, false
	}
}

// Spread is best ask minus best bid; false unless both sides are populated.
func (v *OrderbookView) Spread() (float64, bool) {
	bb, hasBid := v.BestBid()
	ba, hasAsk := v.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return ba.Price - bb.Price, true
}

// PriceUpdate is the deduplicated, immutable price event emitted downstream.
type PriceUpdate struct {
	ID        string    `json:"id"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	OutcomeID string    `json:"outcome_id"`
	Price     float64   `json:"price"`
	PrevPrice *float64  `json:"prev_price,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trade is a normalized executed trade.
type Trade struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	OutcomeID string    `json:"outcome_id"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is one tradable outcome of a market.
type Outcome struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Market is venue metadata about a tradable market, served through the
// feed manager's short-TTL cache.
type Market struct {
	Venue    string    `json:"venue"`
	Symbol   string    `json:"symbol"`
	Question string    `json:"question"`
	Outcomes []Outcome `json:"outcomes"`
	Active   bool      `json:"active"`
}

// EventType tags the internal event union produced by venue codecs.
type EventType int

const (
	EventTicker EventType = iota
	EventSnapshot
	EventDelta
	EventTrade
	EventAck
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTicker:
		return "ticker"
	case EventSnapshot:
		return "snapshot"
	case EventDelta:
		return "delta"
	case EventTrade:
		return "trade"
	case EventAck:
		return "ack"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// TickerEvent is a per-outcome price observation.
type TickerEvent struct {
	OutcomeID string
	Price     float64
	At        time.Time
}

// SnapshotEvent is a full, authoritative book state at a sequence number.
type SnapshotEvent struct {
	Bids []Level
	Asks []Level
	Seq  uint64
	At   time.Time
}

// DeltaEvent is one price-level change. When Absolute is true, Size carries
// the new absolute size for the level (venues without signed deltas); the
// ingestion path converts it against the live book. Otherwise Size is a
// signed size delta. HasSeq is false for venues without native sequence
// numbers; the ingestion path assigns one.
type DeltaEvent struct {
	Side     Side
	Price    float64
	Size     float64
	Absolute bool
	Seq      uint64
	HasSeq   bool
	At       time.Time
}

// TradeEvent is a decoded trade.
type TradeEvent struct {
	OutcomeID string
	Side      Side
	Price     float64
	Size      float64
	At        time.Time
}

// AckEvent is a venue acknowledgement of a command (subscribe/unsubscribe).
type AckEvent struct {
	CommandID int64
	SID       int64
	Channel   string
	OK        bool
	Message   string
}

// ErrorEvent is a venue-reported error frame. Auth marks authentication
// failures, which are fatal for the connection.
type ErrorEvent struct {
	Code    string
	Message string
	Auth    bool
}

// Event is the tagged union flowing from a venue codec into the feed
// facade. Exactly one payload pointer matching Type is set.
type Event struct {
	Venue  string
	Symbol string
	Type   EventType

	Ticker   *TickerEvent
	Snapshot *SnapshotEvent
	Delta    *DeltaEvent
	Trade    *TradeEvent
	Ack      *AckEvent
	Err      *ErrorEvent
}
