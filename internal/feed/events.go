// Package feed composes the per-venue pieces into the surface callers use:
// one Facade per venue (socket ingestion, book reconstruction, freshness)
// and a Manager routing subscriptions across venues. Downstream consumers
// receive updates through the Bus.
package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"oddsflow/internal/metrics"
	"oddsflow/internal/models"
	"oddsflow/logger"
)

// UpdateKind tags updates published on the bus.
type UpdateKind int

const (
	UpdatePrice UpdateKind = iota
	UpdateBook
	UpdateTrade
	UpdateStale
	UpdateRecovered
	UpdateVenueDown
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePrice:
		return "price"
	case UpdateBook:
		return "book"
	case UpdateTrade:
		return "trade"
	case UpdateStale:
		return "stale"
	case UpdateRecovered:
		return "recovered"
	case UpdateVenueDown:
		return "venue_down"
	default:
		return "unknown"
	}
}

// Update is one event delivered to bus subscribers. Exactly one payload
// pointer matching Kind is set; lifecycle kinds (stale, recovered,
// venue_down) carry only the identity fields.
type Update struct {
	Kind   UpdateKind
	Venue  string
	Symbol string
	At     time.Time

	Price *models.PriceUpdate
	Book  *models.OrderbookView
	Trade *models.Trade
	Cause error
}

// Filter narrows what a bus subscriber receives. Zero values match
// everything.
type Filter struct {
	Venue  string
	Symbol string
	Kinds  []UpdateKind
}

func (f Filter) matches(u Update) bool {
	if f.Venue != "" && f.Venue != u.Venue {
		return false
	}
	if f.Symbol != "" && f.Symbol != u.Symbol {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == u.Kind {
			return true
		}
	}
	return false
}

// BusSubscription is one consumer's handle on the bus. Updates arrives on
// C; a slow consumer loses updates rather than blocking the publisher.
type BusSubscription struct {
	ID     string
	C      <-chan Update
	ch     chan Update
	filter Filter
}

// Bus fans updates out to subscribers. Publishing never blocks: a full
// subscriber buffer drops the update and emits a drop metric.
type Bus struct {
	log    *logger.Log
	buffer int

	mu   sync.RWMutex
	subs map[string]*BusSubscription
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		log:    logger.GetLogger(),
		buffer: buffer,
		subs:   make(map[string]*BusSubscription),
	}
}

// Subscribe registers a consumer; updates matching the filter arrive on the
// returned subscription's channel.
func (b *Bus) Subscribe(filter Filter) *BusSubscription {
	ch := make(chan Update, b.buffer)
	sub := &BusSubscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		filter: filter,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans an update out to every matching subscriber.
func (b *Bus) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(u) {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			metrics.EmitDropMetric(b.log, metrics.DropMetricBusEvents, u.Venue, u.Symbol, u.Kind.String())
		}
	}
}

// SubscriberCount returns the number of registered consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
