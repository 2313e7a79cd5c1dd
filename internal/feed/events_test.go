package feed

import (
	"testing"

	"oddsflow/internal/models"
)

func TestBusFiltersByVenueSymbolAndKind(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	all := bus.Subscribe(Filter{})
	kalshiOnly := bus.Subscribe(Filter{Venue: "kalshi"})
	pricesOnly := bus.Subscribe(Filter{Kinds: []UpdateKind{UpdatePrice}})

	bus.Publish(Update{Kind: UpdatePrice, Venue: "kalshi", Symbol: "FED-25DEC", Price: &models.PriceUpdate{Price: 0.46}})
	bus.Publish(Update{Kind: UpdateBook, Venue: "polymarket", Symbol: "asset-1", Book: &models.OrderbookView{}})

	if len(all.C) != 2 {
		t.Fatalf("unfiltered subscriber expected 2 updates, got %d", len(all.C))
	}
	if len(kalshiOnly.C) != 1 {
		t.Fatalf("venue filter expected 1 update, got %d", len(kalshiOnly.C))
	}
	if len(pricesOnly.C) != 1 {
		t.Fatalf("kind filter expected 1 update, got %d", len(pricesOnly.C))
	}
	u := <-pricesOnly.C
	if u.Kind != UpdatePrice || u.Price.Price != 0.46 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	slow := bus.Subscribe(Filter{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Update{Kind: UpdateBook, Venue: "kalshi", Symbol: "X"})
		}
		close(done)
	}()
	<-done

	// Exactly the buffer survives; the rest were dropped, not queued.
	if len(slow.C) != 1 {
		t.Fatalf("expected the buffered update only, got %d", len(slow.C))
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe(Filter{})
	bus.Unsubscribe(sub.ID)

	if _, open := <-sub.C; open {
		t.Fatalf("expected a closed channel after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.SubscriberCount())
	}
}
