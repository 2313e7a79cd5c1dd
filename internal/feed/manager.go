package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
	"oddsflow/logger"
)

var (
	// ErrUnknownVenue is returned for venue keys no facade serves.
	ErrUnknownVenue = errors.New("unknown venue")
	// ErrVenueUnavailable marks venues whose feed never came up, usually
	// for missing credentials. The engine keeps serving the others.
	ErrVenueUnavailable = errors.New("venue feed unavailable")
)

// Manager routes multi-venue operations to per-venue facades and
// reference-counts subscriptions across callers: the wire subscription is
// created on the first interested caller and dropped with the last one.
type Manager struct {
	log   *logger.Log
	bus   *Bus
	cache *marketCache

	mu        sync.Mutex
	facades   map[string]*Facade
	available map[string]bool
	refs      map[string]int
}

// ManagerConfig tunes the manager's market metadata cache.
type ManagerConfig struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
}

func NewManager(cfg ManagerConfig, bus *Bus, facades ...*Facade) *Manager {
	m := &Manager{
		log:       logger.GetLogger(),
		bus:       bus,
		cache:     newMarketCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		facades:   make(map[string]*Facade),
		available: make(map[string]bool),
		refs:      make(map[string]int),
	}
	for _, f := range facades {
		m.facades[f.Venue()] = f
	}
	return m
}

// Start brings every venue feed up. A venue that cannot start (bad or
// missing credentials, exhausted connection attempts) is reported
// unavailable and skipped; Start fails only when no venue comes up.
func (m *Manager) Start(ctx context.Context) error {
	log := m.log.WithComponent("feed_manager")

	started := 0
	for name, f := range m.facades {
		if err := f.Start(ctx); err != nil {
			log.WithError(err).WithField("venue", name).Error("venue feed unavailable")
			m.mu.Lock()
			m.available[name] = false
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.available[name] = true
		m.mu.Unlock()
		started++
		log.WithField("venue", name).Info("venue feed started")
	}

	if started == 0 && len(m.facades) > 0 {
		return fmt.Errorf("no venue feed could be started")
	}
	return nil
}

// Stop shuts every venue feed down and closes the bus.
func (m *Manager) Stop() {
	for _, f := range m.facades {
		f.Stop()
	}
	m.bus.Close()
}

// Venues lists the venue keys with a live feed.
func (m *Manager) Venues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.available))
	for name, ok := range m.available {
		if ok {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) facade(venueName string) (*Facade, error) {
	m.mu.Lock()
	f, ok := m.facades[venueName]
	avail := m.available[venueName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}
	if !avail {
		return nil, fmt.Errorf("%w: %s", ErrVenueUnavailable, venueName)
	}
	return f, nil
}

// Subscribe registers a caller's interest in a symbol. The underlying wire
// subscription is created only on the 0->1 transition.
func (m *Manager) Subscribe(venueName, symbol string, channels []models.ChannelKind) error {
	f, err := m.facade(venueName)
	if err != nil {
		return err
	}

	key := models.SubKey(venueName, symbol)
	m.mu.Lock()
	m.refs[key]++
	first := m.refs[key] == 1
	m.mu.Unlock()

	if !first {
		return nil
	}
	if err := f.Subscribe(symbol, channels); err != nil {
		m.mu.Lock()
		m.refs[key]--
		if m.refs[key] <= 0 {
			delete(m.refs, key)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe releases one caller's interest; the wire subscription is
// dropped on the 1->0 transition.
func (m *Manager) Unsubscribe(venueName, symbol string) error {
	f, err := m.facade(venueName)
	if err != nil {
		return err
	}

	key := models.SubKey(venueName, symbol)
	m.mu.Lock()
	count, ok := m.refs[key]
	if !ok {
		m.mu.Unlock()
		return ErrNotSubscribed
	}
	count--
	if count > 0 {
		m.refs[key] = count
		m.mu.Unlock()
		return nil
	}
	delete(m.refs, key)
	m.mu.Unlock()

	return f.Unsubscribe(symbol)
}

// Orderbook returns the reconstructed book for a symbol on a venue, or
// ErrStale when the venue's feed has gone quiet past the threshold.
func (m *Manager) Orderbook(venueName, symbol string) (*models.OrderbookView, error) {
	f, err := m.facade(venueName)
	if err != nil {
		return nil, err
	}
	return f.Orderbook(symbol)
}

// IsStale reports whether a symbol's feed is currently considered stale.
func (m *Manager) IsStale(venueName, symbol string) bool {
	f, err := m.facade(venueName)
	if err != nil {
		return true
	}
	return f.IsStale(symbol)
}

// Market returns market metadata, served from the short-TTL cache when
// possible. Not-found results are cached too so an unknown symbol cannot
// hammer the venue's REST API.
func (m *Manager) Market(ctx context.Context, venueName, symbol string) (*models.Market, error) {
	f, err := m.facade(venueName)
	if err != nil {
		return nil, err
	}

	key := models.SubKey(venueName, symbol)
	if market, cachedErr, ok := m.cache.get(key); ok {
		return market, cachedErr
	}

	rest := f.adapter.REST()
	if rest == nil {
		return nil, fmt.Errorf("%w: %s has no metadata API", ErrVenueUnavailable, venueName)
	}

	market, err := rest.Market(ctx, symbol)
	if err != nil {
		if errors.Is(err, venue.ErrMarketNotFound) {
			m.cache.put(key, nil, err)
		}
		return nil, err
	}
	m.cache.put(key, market, nil)
	return market, nil
}

// Updates subscribes a consumer to the update bus.
func (m *Manager) Updates(filter Filter) *BusSubscription {
	return m.bus.Subscribe(filter)
}

// DropUpdates removes a bus consumer.
func (m *Manager) DropUpdates(id string) {
	m.bus.Unsubscribe(id)
}

// VenueStats is a per-venue health summary.
type VenueStats struct {
	Available     bool
	Subscriptions int
}

// Stats summarizes the manager's view of every venue.
func (m *Manager) Stats() map[string]VenueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]VenueStats, len(m.facades))
	for name := range m.facades {
		stats := VenueStats{Available: m.available[name]}
		prefix := name + "|"
		for key := range m.refs {
			if strings.HasPrefix(key, prefix) {
				stats.Subscriptions++
			}
		}
		out[name] = stats
	}
	return out
}
