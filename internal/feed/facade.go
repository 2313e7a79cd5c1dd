package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"oddsflow/internal/book"
	"oddsflow/internal/freshness"
	"oddsflow/internal/metrics"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
	"oddsflow/logger"
)

var (
	// ErrNotSubscribed is returned by read operations on symbols the facade
	// is not maintaining.
	ErrNotSubscribed = errors.New("symbol not subscribed")
	// ErrStale is returned instead of a book when the feed has been silent
	// past the staleness threshold. Callers must not trade on data the
	// engine itself distrusts.
	ErrStale = errors.New("feed data is stale")
)

// pendingLimit bounds the pre-snapshot delta buffer per symbol.
const pendingLimit = 1024

// connector is the slice of the connection manager the facade needs.
// Narrowed to an interface so ingestion tests can run against a fake.
type connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	Events() <-chan models.Event
	Fatal() <-chan error
	Subscribe(sub models.Subscription) error
	Unsubscribe(sub models.Subscription) error
	Resubscribe(sub models.Subscription) error
}

type symbolState struct {
	sub     models.Subscription
	pending *deque.Deque[models.DeltaEvent]
	// resyncing discards deltas between a detected gap and the fresh
	// snapshot that ends the recovery.
	resyncing bool
}

// Facade ties one venue's connection, book store and freshness tracking
// together behind venue-agnostic operations. All mutation of book and
// price state happens under ingestMu, whether it originates from the
// socket dispatch loop or a polling fallback.
type Facade struct {
	venueName string
	adapter   venue.Adapter
	conn      connector
	store     *book.Store
	tracker   *freshness.Tracker
	bus       *Bus
	log       *logger.Log

	ingestMu  sync.Mutex
	symbols   map[string]*symbolState
	lastPrice map[string]float64 // venue|outcome -> last published price

	wg     sync.WaitGroup
	cancel context.CancelFunc

	startMu sync.Mutex
	started bool
}

func NewFacade(adapter venue.Adapter, conn connector, store *book.Store, tracker *freshness.Tracker, bus *Bus) *Facade {
	return &Facade{
		venueName: adapter.Name(),
		adapter:   adapter,
		conn:      conn,
		store:     store,
		tracker:   tracker,
		bus:       bus,
		log:       logger.GetLogger(),
		symbols:   make(map[string]*symbolState),
		lastPrice: make(map[string]float64),
	}
}

// Start connects the venue and begins ingesting. Blocks until the first
// successful connection or a fatal connection error.
func (f *Facade) Start(ctx context.Context) error {
	f.startMu.Lock()
	if f.started {
		f.startMu.Unlock()
		return nil
	}
	f.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.startMu.Unlock()

	if err := f.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", f.venueName, err)
	}

	f.wg.Add(1)
	go f.dispatch(runCtx)
	return nil
}

// Stop tears the facade down: stops ingestion, disconnects and drops all
// maintained state.
func (f *Facade) Stop() {
	f.startMu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.conn.Disconnect()
	f.wg.Wait()

	f.ingestMu.Lock()
	for key, st := range f.symbols {
		f.tracker.Untrack(st.sub.Venue, st.sub.Symbol)
		f.store.Drop(st.sub.Venue, st.sub.Symbol)
		delete(f.symbols, key)
	}
	f.ingestMu.Unlock()
}

// Subscribe starts maintaining a symbol: registers the wire subscription,
// begins freshness tracking with a REST polling fallback, and prepares the
// pre-snapshot delta buffer. Idempotent per symbol.
func (f *Facade) Subscribe(symbol string, channels []models.ChannelKind) error {
	if len(channels) == 0 {
		channels = []models.ChannelKind{models.ChannelBook, models.ChannelPrice, models.ChannelTrade}
	}
	sub := models.Subscription{Venue: f.venueName, Symbol: symbol, Channels: channels}

	f.ingestMu.Lock()
	if _, ok := f.symbols[symbol]; ok {
		f.ingestMu.Unlock()
		return nil
	}
	f.symbols[symbol] = &symbolState{sub: sub, pending: &deque.Deque[models.DeltaEvent]{}}
	f.ingestMu.Unlock()

	f.tracker.Track(f.venueName, symbol, f.pollFunc(symbol))

	if err := f.conn.Subscribe(sub); err != nil {
		f.ingestMu.Lock()
		delete(f.symbols, symbol)
		f.ingestMu.Unlock()
		f.tracker.Untrack(f.venueName, symbol)
		return fmt.Errorf("subscribe %s on %s: %w", symbol, f.venueName, err)
	}
	return nil
}

// Unsubscribe stops maintaining a symbol and discards its book.
func (f *Facade) Unsubscribe(symbol string) error {
	f.ingestMu.Lock()
	st, ok := f.symbols[symbol]
	if !ok {
		f.ingestMu.Unlock()
		return ErrNotSubscribed
	}
	delete(f.symbols, symbol)
	f.ingestMu.Unlock()

	f.tracker.Untrack(f.venueName, symbol)
	f.store.Drop(f.venueName, symbol)
	return f.conn.Unsubscribe(st.sub)
}

// Orderbook returns the current reconstructed book for a symbol. The book
// is withheld with ErrStale while the tracker distrusts the feed; a live
// message or a successful fallback poll makes it servable again.
func (f *Facade) Orderbook(symbol string) (*models.OrderbookView, error) {
	f.ingestMu.Lock()
	_, subscribed := f.symbols[symbol]
	f.ingestMu.Unlock()
	if !subscribed {
		return nil, ErrNotSubscribed
	}
	if f.tracker.IsStale(f.venueName, symbol) {
		return nil, ErrStale
	}
	view, ok := f.store.View(f.venueName, symbol)
	if !ok {
		return nil, book.ErrNotSeeded
	}
	return view, nil
}

// IsStale reports the freshness state of a symbol's feed.
func (f *Facade) IsStale(symbol string) bool {
	return f.tracker.IsStale(f.venueName, symbol)
}

// Venue returns the venue key this facade serves.
func (f *Facade) Venue() string { return f.venueName }

func (f *Facade) dispatch(ctx context.Context) {
	defer f.wg.Done()
	log := f.log.WithComponent("feed_facade").WithFields(logger.Fields{"venue": f.venueName})

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-f.conn.Fatal():
			log.WithError(err).Error("venue connection failed fatally")
			f.bus.Publish(Update{Kind: UpdateVenueDown, Venue: f.venueName, Cause: err})
			return
		case ev := <-f.conn.Events():
			f.ingest(ev)
		}
	}
}

// ingest applies one decoded venue event. Must not be called concurrently
// with itself for the same venue; the single dispatch goroutine guarantees
// that, and ingestMu serializes against the polling path.
func (f *Facade) ingest(ev models.Event) {
	f.ingestMu.Lock()
	defer f.ingestMu.Unlock()

	st, ok := f.symbols[ev.Symbol]
	if !ok && ev.Type != models.EventAck {
		// Late event for an unsubscribed symbol; nothing to maintain.
		return
	}

	switch ev.Type {
	case models.EventSnapshot:
		f.tracker.RecordMessage(f.venueName, ev.Symbol)
		f.applySnapshot(st, ev.Symbol, ev.Snapshot)

	case models.EventDelta:
		f.tracker.RecordMessage(f.venueName, ev.Symbol)
		f.applyDelta(st, ev.Symbol, *ev.Delta)

	case models.EventTicker:
		f.tracker.RecordMessage(f.venueName, ev.Symbol)
		f.publishPrice(ev.Symbol, ev.Ticker)

	case models.EventTrade:
		f.tracker.RecordMessage(f.venueName, ev.Symbol)
		f.bus.Publish(Update{
			Kind:   UpdateTrade,
			Venue:  f.venueName,
			Symbol: ev.Symbol,
			At:     ev.Trade.At,
			Trade: &models.Trade{
				Venue:     f.venueName,
				Symbol:    ev.Symbol,
				OutcomeID: ev.Trade.OutcomeID,
				Side:      ev.Trade.Side,
				Price:     ev.Trade.Price,
				Size:      ev.Trade.Size,
				Timestamp: ev.Trade.At,
			},
		})

	case models.EventAck:
		entry := f.log.WithComponent("feed_facade").WithFields(logger.Fields{
			"venue":   f.venueName,
			"symbol":  ev.Symbol,
			"command": ev.Ack.CommandID,
		})
		if ev.Ack.OK {
			entry.Debug("venue acknowledged command")
		} else {
			entry.WithField("reason", ev.Ack.Message).Warn("venue rejected command")
		}
	}
}

// applySnapshot installs an authoritative book state, then replays any
// deltas that were buffered before the first snapshot arrived.
func (f *Facade) applySnapshot(st *symbolState, symbol string, snap *models.SnapshotEvent) {
	seq := snap.Seq
	if !f.adapter.NativeSequence() || seq == 0 {
		last, _ := f.store.LastSeq(f.venueName, symbol)
		seq = last + 1
	}

	f.store.ApplySnapshot(f.venueName, symbol, snap.Bids, snap.Asks, seq)
	st.resyncing = false

	for st.pending.Len() > 0 {
		d := st.pending.PopFront()
		if d.HasSeq && d.Seq <= seq {
			continue // already contained in the snapshot
		}
		f.applyDelta(st, symbol, d)
	}

	f.publishBook(symbol)
}

// applyDelta applies one book change, converting absolute sizes to signed
// deltas and synthesizing sequence numbers for venues without native ones.
// A sequence gap triggers recovery: the stale book is dropped and the
// subscription cycled for a fresh snapshot.
func (f *Facade) applyDelta(st *symbolState, symbol string, d models.DeltaEvent) {
	if st.resyncing {
		return // discarded until the recovery snapshot lands
	}
	if !f.store.Has(f.venueName, symbol) {
		if st.pending.Len() >= pendingLimit {
			st.pending.PopFront()
			metrics.EmitDropMetric(f.log, metrics.DropMetricConnEvents, f.venueName, symbol, "pending_buffer")
		}
		st.pending.PushBack(d)
		return
	}

	size := d.Size
	if d.Absolute {
		current, _ := f.store.SizeAt(f.venueName, symbol, d.Side, d.Price)
		size = d.Size - current
		if size == 0 {
			return
		}
	}

	seq := d.Seq
	if !d.HasSeq {
		last, _ := f.store.LastSeq(f.venueName, symbol)
		seq = last + 1
	}

	err := f.store.ApplyDelta(f.venueName, symbol, d.Side, d.Price, size, seq)
	switch {
	case err == nil:
		f.publishBook(symbol)
	case errors.Is(err, book.ErrSequenceGap):
		f.recoverGap(st, symbol, seq)
	case errors.Is(err, book.ErrNotSeeded):
		st.pending.PushBack(d)
	default:
		f.log.WithComponent("feed_facade").WithError(err).WithFields(logger.Fields{
			"venue":  f.venueName,
			"symbol": symbol,
		}).Warn("delta application failed")
	}
}

// recoverGap handles a detected sequence gap: drop the now-untrusted book,
// mark the symbol resyncing so further deltas are discarded, and cycle the
// subscription to force a fresh snapshot.
func (f *Facade) recoverGap(st *symbolState, symbol string, gotSeq uint64) {
	last, _ := f.store.LastSeq(f.venueName, symbol)
	f.log.WithComponent("feed_facade").WithFields(logger.Fields{
		"venue":    f.venueName,
		"symbol":   symbol,
		"last_seq": last,
		"got_seq":  gotSeq,
	}).Warn("sequence gap detected, resyncing book")
	metrics.EmitMetric(f.log, "feed_facade", "sequence_gaps", 1, "counter", logger.Fields{
		"venue":  f.venueName,
		"symbol": symbol,
	})

	st.resyncing = true
	f.store.Drop(f.venueName, symbol)

	sub := st.sub
	// Cycle the wire subscription off the ingestion path; frame writes can
	// block and must not hold ingestMu.
	go func() {
		if err := f.conn.Resubscribe(sub); err != nil {
			f.log.WithComponent("feed_facade").WithError(err).WithFields(logger.Fields{
				"venue":  f.venueName,
				"symbol": sub.Symbol,
			}).Warn("resubscribe for gap recovery failed")
		}
	}()
}

// publishPrice deduplicates per (venue, outcome): consecutive identical
// prices produce no update.
func (f *Facade) publishPrice(symbol string, tick *models.TickerEvent) {
	key := models.SubKey(f.venueName, tick.OutcomeID)
	prev, seen := f.lastPrice[key]
	if seen && prev == tick.Price {
		return
	}
	f.lastPrice[key] = tick.Price

	update := &models.PriceUpdate{
		ID:        uuid.NewString(),
		Venue:     f.venueName,
		Symbol:    symbol,
		OutcomeID: tick.OutcomeID,
		Price:     tick.Price,
		Timestamp: tick.At,
	}
	if seen {
		p := prev
		update.PrevPrice = &p
	}

	f.bus.Publish(Update{
		Kind:   UpdatePrice,
		Venue:  f.venueName,
		Symbol: symbol,
		At:     tick.At,
		Price:  update,
	})
}

func (f *Facade) publishBook(symbol string) {
	view, ok := f.store.View(f.venueName, symbol)
	if !ok {
		return
	}
	f.bus.Publish(Update{
		Kind:   UpdateBook,
		Venue:  f.venueName,
		Symbol: symbol,
		At:     view.LastUpdate,
		Book:   view,
	})
}

// pollFunc builds the freshness fallback for a symbol: a one-shot REST
// snapshot applied as authoritative book state. Polled data keeps reads
// servable but is deliberately not recorded as feed activity; only real
// socket messages end fallback mode.
func (f *Facade) pollFunc(symbol string) freshness.PollFunc {
	rest := f.adapter.REST()
	if rest == nil {
		return nil
	}
	return func(ctx context.Context) error {
		snap, err := rest.OrderbookSnapshot(ctx, symbol)
		if err != nil {
			return err
		}

		f.ingestMu.Lock()
		defer f.ingestMu.Unlock()
		st, ok := f.symbols[symbol]
		if !ok {
			return nil // unsubscribed while the poll was in flight
		}
		f.applySnapshot(st, symbol, snap)
		return nil
	}
}
