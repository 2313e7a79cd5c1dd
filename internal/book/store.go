// Package book reconstructs per-symbol order books from venue snapshots and
// sequence-numbered deltas. The store is pure state: it decides nothing about
// recovery, it only accepts or rejects mutations. Gap recovery lives in the
// feed facade.
package book

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"oddsflow/internal/models"
)

var (
	// ErrSequenceGap reports a delta whose sequence number is not the exact
	// successor of the last applied one. Nothing was mutated.
	ErrSequenceGap = errors.New("orderbook delta out of sequence")
	// ErrNotSeeded reports a delta for a symbol that has no snapshot yet.
	ErrNotSeeded = errors.New("orderbook not seeded by a snapshot")
)

// orderBook is the mutable state for one (venue, symbol).
type orderBook struct {
	bids       *btree.Map[float64, float64]
	asks       *btree.Map[float64, float64]
	subID      string
	lastSeq    uint64
	lastUpdate time.Time
}

func newOrderBook() *orderBook {
	return &orderBook{
		bids:  btree.NewMap[float64, float64](0),
		asks:  btree.NewMap[float64, float64](0),
		subID: uuid.NewString(),
	}
}

func (b *orderBook) side(s models.Side) *btree.Map[float64, float64] {
	if s == models.Bid {
		return b.bids
	}
	return b.asks
}

// Store holds the books for all symbols of all venues. Mutations for one
// symbol only ever come from that symbol's single ingestion path; the mutex
// exists for readers taking views while other symbols are being written.
type Store struct {
	mu    sync.RWMutex
	books map[string]*orderBook
}

func NewStore() *Store {
	return &Store{books: make(map[string]*orderBook)}
}

// ApplySnapshot replaces the book for (venue, symbol) with the given levels
// and resets the sequence number. A snapshot is authoritative and always
// accepted; levels with size <= 0 are not loaded.
func (s *Store) ApplySnapshot(venue, symbol string, bids, asks []models.Level, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.SubKey(venue, symbol)
	b, ok := s.books[key]
	if !ok {
		b = newOrderBook()
		s.books[key] = b
	}

	b.bids.Clear()
	b.asks.Clear()
	for _, lvl := range bids {
		if lvl.Size > 0 {
			b.bids.Set(lvl.Price, lvl.Size)
		}
	}
	for _, lvl := range asks {
		if lvl.Size > 0 {
			b.asks.Set(lvl.Price, lvl.Size)
		}
	}
	b.lastSeq = seq
	b.lastUpdate = time.Now()
}

// ApplyDelta applies one signed size change to a price level. The delta is
// rejected in full unless seq is the exact successor of the last applied
// sequence number. A resulting size <= 0 removes the level.
func (s *Store) ApplyDelta(venue, symbol string, side models.Side, price, sizeDelta float64, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[models.SubKey(venue, symbol)]
	if !ok {
		return ErrNotSeeded
	}
	if seq != b.lastSeq+1 {
		return ErrSequenceGap
	}

	levels := b.side(side)
	current, _ := levels.Get(price)
	newSize := current + sizeDelta
	if newSize <= 0 {
		levels.Delete(price)
	} else {
		levels.Set(price, newSize)
	}
	b.lastSeq = seq
	b.lastUpdate = time.Now()
	return nil
}

// Has reports whether a book exists for (venue, symbol).
func (s *Store) Has(venue, symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.books[models.SubKey(venue, symbol)]
	return ok
}

// LastSeq returns the last applied sequence number, or false when the
// symbol has no book.
func (s *Store) LastSeq(venue, symbol string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[models.SubKey(venue, symbol)]
	if !ok {
		return 0, false
	}
	return b.lastSeq, true
}

// SizeAt returns the current size at a price level (0 when absent). The
// second result is false when the symbol has no book at all.
func (s *Store) SizeAt(venue, symbol string, side models.Side, price float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[models.SubKey(venue, symbol)]
	if !ok {
		return 0, false
	}
	size, _ := b.side(side).Get(price)
	return size, true
}

// Drop removes the book for (venue, symbol). Used on unsubscribe and when a
// sequence gap forces a full resync.
func (s *Store) Drop(venue, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, models.SubKey(venue, symbol))
}

// View returns an immutable snapshot of the book, bids best-first and asks
// best-first, or false when the symbol has no book.
func (s *Store) View(venue, symbol string) (*models.OrderbookView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[models.SubKey(venue, symbol)]
	if !ok {
		return nil, false
	}

	view := &models.OrderbookView{
		Venue:      venue,
		Symbol:     symbol,
		Bids:       make([]models.Level, 0, b.bids.Len()),
		Asks:       make([]models.Level, 0, b.asks.Len()),
		LastSeq:    b.lastSeq,
		LastUpdate: b.lastUpdate,
	}
	b.bids.Reverse(func(price, size float64) bool {
		view.Bids = append(view.Bids, models.Level{Price: price, Size: size})
		return true
	})
	b.asks.Scan(func(price, size float64) bool {
		view.Asks = append(view.Asks, models.Level{Price: price, Size: size})
		return true
	})
	return view, true
}

// SubscriptionID returns the opaque id assigned when the book was created.
func (s *Store) SubscriptionID(venue, symbol string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[models.SubKey(venue, symbol)]
	if !ok {
		return "", false
	}
	return b.subID, true
}
