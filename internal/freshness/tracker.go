// Package freshness watches how recently each tracked (venue, symbol) has
// produced a message and promotes silent feeds to a polling fallback. It is
// deliberately protocol-agnostic: it knows nothing about order books or
// sequence numbers, only whether a symbol is still receiving messages.
package freshness

import (
	"context"
	"sync"
	"time"

	"oddsflow/internal/metrics"
	"oddsflow/logger"
)

// notifyBuffer is the capacity of the notification channel between the sweep
// and the listener callback; overflow is dropped with a metric.
const notifyBuffer = 64

// Config controls the staleness detector.
type Config struct {
	// StaleThreshold is the silence after which a sweep counts a record stale.
	StaleThreshold time.Duration
	// CheckInterval is the sweep cadence.
	CheckInterval time.Duration
	// StaleCountThreshold is the number of consecutive stale sweeps that
	// triggers the stale event and, when enabled, the polling fallback.
	StaleCountThreshold int
	// FallbackEnabled gates the polling fallback globally.
	FallbackEnabled bool
	// PollInterval is the fallback polling cadence.
	PollInterval time.Duration
}

// EventKind tags tracker notifications.
type EventKind int

const (
	// Stale fires exactly once when a record crosses the stale count threshold.
	Stale EventKind = iota
	// Recovered fires when a previously stale record receives data again.
	Recovered
)

// Notification is delivered to the registered listener on state changes.
type Notification struct {
	Venue  string
	Symbol string
	Kind   EventKind
}

// PollFunc is the fallback callback; a nil error counts as feed activity.
type PollFunc func(ctx context.Context) error

type record struct {
	venue  string
	symbol string

	// lastMessageAt is advanced only by real socket messages. Successful
	// fallback polls advance lastPollAt instead, so polling alone can
	// never exit fallback mode or reset the stale count.
	lastMessageAt time.Time
	lastPollAt    time.Time
	staleCount    int

	// stale is set when the Stale event fires and cleared by the next fresh
	// sweep, which fires Recovered. Keeping it separate from staleCount lets
	// RecordMessage reset the count without losing the pending recovery.
	stale      bool
	inFallback bool

	poll       PollFunc
	pollCancel context.CancelFunc
}

// Tracker is the process-wide freshness registry. Safe for concurrent use
// from every venue's ingestion path.
type Tracker struct {
	cfg    Config
	clock  Clock
	log    *logger.Log
	notify func(Notification)

	mu      sync.Mutex
	records map[string]*record
	closed  bool

	events     chan Notification
	notifyDone chan struct{}

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewTracker builds a tracker with the wall clock. onEvent may be nil.
func NewTracker(cfg Config, onEvent func(Notification)) *Tracker {
	return NewTrackerWithClock(cfg, onEvent, RealClock())
}

// NewTrackerWithClock is NewTracker with an injected clock for tests.
func NewTrackerWithClock(cfg Config, onEvent func(Notification), clock Clock) *Tracker {
	if onEvent == nil {
		onEvent = func(Notification) {}
	}
	t := &Tracker{
		cfg:        cfg,
		clock:      clock,
		log:        logger.GetLogger(),
		notify:     onEvent,
		records:    make(map[string]*record),
		events:     make(chan Notification, notifyBuffer),
		notifyDone: make(chan struct{}),
	}
	go t.dispatchNotifications()
	return t
}

// Track begins (or restarts) staleness tracking for a symbol. Idempotent:
// re-tracking resets the staleness clock, clears the stale count and exits
// any active fallback. poll may be nil when no fallback source exists.
func (t *Tracker) Track(venue, symbol string, poll PollFunc) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	key := venue + "|" + symbol
	r, ok := t.records[key]
	if !ok {
		r = &record{venue: venue, symbol: symbol}
		t.records[key] = r
	}
	r.poll = poll
	r.lastMessageAt = t.clock.Now()
	r.staleCount = 0
	r.stale = false
	t.exitFallbackLocked(r)

	// The ticker is registered before the sweep goroutine starts so a tick
	// arriving right after Track cannot be lost.
	if t.sweepCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.sweepCancel = cancel
		ticker := t.clock.NewTicker(t.cfg.CheckInterval)
		t.wg.Add(1)
		go t.runSweep(ctx, ticker)
	}
	t.mu.Unlock()

	t.entry().WithFields(logger.Fields{"venue": venue, "symbol": symbol}).Debug("tracking freshness")
}

// RecordMessage marks live feed activity for a symbol. A live message always
// wins over polling: it resets the stale count and exits fallback mode. The
// recovered event is emitted by the next sweep that confirms the fresh age.
func (t *Tracker) RecordMessage(venue, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[venue+"|"+symbol]
	if !ok {
		return
	}
	r.lastMessageAt = t.clock.Now()
	r.staleCount = 0
	t.exitFallbackLocked(r)
}

// Untrack stops tracking a symbol, cancelling any fallback polling. The
// sweep goroutine stops once no records remain, so an idle tracker costs
// nothing.
func (t *Tracker) Untrack(venue, symbol string) {
	t.mu.Lock()
	key := venue + "|" + symbol
	if r, ok := t.records[key]; ok {
		t.exitFallbackLocked(r)
		delete(t.records, key)
	}
	if len(t.records) == 0 && t.sweepCancel != nil {
		t.sweepCancel()
		t.sweepCancel = nil
	}
	t.mu.Unlock()
}

// IsStale reports whether callers should distrust data for the symbol: the
// record has crossed the stale count threshold and neither the socket nor a
// successful fallback poll has produced anything recent.
func (t *Tracker) IsStale(venue, symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[venue+"|"+symbol]
	if !ok {
		return false
	}
	if r.staleCount < t.cfg.StaleCountThreshold {
		return false
	}
	last := r.lastMessageAt
	if r.lastPollAt.After(last) {
		last = r.lastPollAt
	}
	return t.clock.Now().Sub(last) > t.cfg.StaleThreshold
}

// InFallback reports whether the symbol is currently served by polling.
func (t *Tracker) InFallback(venue, symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[venue+"|"+symbol]
	return ok && r.inFallback
}

// TrackedCount returns the number of records, for the metrics loop.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close untracks everything and waits for the sweep, poll and notification
// goroutines.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for key, r := range t.records {
		t.exitFallbackLocked(r)
		delete(t.records, key)
	}
	if t.sweepCancel != nil {
		t.sweepCancel()
		t.sweepCancel = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.events)
	<-t.notifyDone
}

func (t *Tracker) entry() *logger.Entry {
	return t.log.WithComponent("freshness_tracker")
}

// exitFallbackLocked cancels the polling loop; caller holds t.mu.
func (t *Tracker) exitFallbackLocked(r *record) {
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
	r.inFallback = false
}

func (t *Tracker) dispatchNotifications() {
	defer close(t.notifyDone)
	for n := range t.events {
		t.notify(n)
	}
}

// sendNotification hands a state change to the listener without ever blocking
// the sweep; a full channel drops the notification with a metric.
func (t *Tracker) sendNotification(n Notification) {
	select {
	case t.events <- n:
	default:
		metrics.EmitDropMetric(t.log, metrics.DropMetricStaleNotifications, n.Venue, n.Symbol, "freshness")
	}
}

func (t *Tracker) runSweep(ctx context.Context, ticker Ticker) {
	defer t.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()
	var fired []Notification

	t.mu.Lock()
	for _, r := range t.records {
		age := now.Sub(r.lastMessageAt)
		if age > t.cfg.StaleThreshold {
			r.staleCount++
			// Fire exactly once, the moment the count reaches the threshold.
			if r.staleCount >= t.cfg.StaleCountThreshold && !r.stale {
				r.stale = true
				fired = append(fired, Notification{Venue: r.venue, Symbol: r.symbol, Kind: Stale})
				t.entry().WithFields(logger.Fields{
					"venue":    r.venue,
					"symbol":   r.symbol,
					"age_ms":   age.Milliseconds(),
					"has_poll": r.poll != nil,
					"fallback": t.cfg.FallbackEnabled,
				}).Warn("feed went stale")
				if r.poll != nil && t.cfg.FallbackEnabled && !r.inFallback {
					r.inFallback = true
					pollCtx, cancel := context.WithCancel(context.Background())
					r.pollCancel = cancel
					pollTicker := t.clock.NewTicker(t.cfg.PollInterval)
					t.wg.Add(1)
					go t.runPoll(pollCtx, r.poll, r, pollTicker)
				}
			}
		} else {
			r.staleCount = 0
			if r.stale {
				r.stale = false
				fired = append(fired, Notification{Venue: r.venue, Symbol: r.symbol, Kind: Recovered})
				t.entry().WithFields(logger.Fields{"venue": r.venue, "symbol": r.symbol}).Info("feed recovered")
			}
		}
	}
	t.mu.Unlock()

	for _, n := range fired {
		t.sendNotification(n)
	}
}

func (t *Tracker) runPoll(ctx context.Context, poll PollFunc, r *record, ticker Ticker) {
	defer t.wg.Done()
	defer ticker.Stop()

	// First poll fires immediately on entering fallback mode.
	t.doPoll(ctx, poll, r)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.doPoll(ctx, poll, r)
		}
	}
}

func (t *Tracker) doPoll(ctx context.Context, poll PollFunc, r *record) {
	if ctx.Err() != nil {
		return
	}
	if err := poll(ctx); err != nil {
		if ctx.Err() == nil {
			t.entry().WithError(err).WithFields(logger.Fields{
				"venue":  r.venue,
				"symbol": r.symbol,
			}).Warn("fallback poll failed")
		}
		return
	}
	t.mu.Lock()
	r.lastPollAt = t.clock.Now()
	t.mu.Unlock()
}
