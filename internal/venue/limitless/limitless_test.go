package limitless

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"oddsflow/config"
	"oddsflow/internal/creds"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

func loginServer(t *testing.T, logins *atomic.Int64) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var req loginRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Email != "feeds@example.test" || req.Password != "hunter2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if logins != nil {
				logins.Add(1)
			}
			json.NewEncoder(w).Encode(loginResponse{
				Token:     "tok-123",
				ExpiresAt: time.Now().Add(time.Hour).Unix(),
			})
		case "/markets/btc-100k/orderbook":
			json.NewEncoder(w).Encode(orderbookResponse{
				Market: "btc-100k",
				Seq:    9,
				Bids:   [][2]float64{{2.5, 100}},
				Asks:   [][2]float64{{1.8, 40}},
				TS:     1700000000000,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testProvider() creds.Provider {
	return creds.Static{
		VenueName: {Email: "feeds@example.test", Password: "hunter2"},
	}
}

func testAdapter(restURL string) *Adapter {
	return New(config.VenueConfig{
		WSURL:   "wss://example.test/v1",
		RESTURL: restURL,
	}, testProvider())
}

func TestEndpointLogsInOnce(t *testing.T) {
	var logins atomic.Int64
	srv := loginServer(t, &logins)
	a := testAdapter(srv.URL)

	ctx := context.Background()
	if _, _, err := a.Endpoint(ctx); err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if _, _, err := a.Endpoint(ctx); err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if logins.Load() != 1 {
		t.Fatalf("expected a single login for a live token, got %d", logins.Load())
	}
	if a.session.CachedToken() != "tok-123" {
		t.Fatalf("token not cached")
	}
}

func TestEndpointWithoutCredentialsIsAuthError(t *testing.T) {
	a := New(config.VenueConfig{WSURL: "wss://example.test/v1", RESTURL: "https://example.test"}, creds.Static{})
	_, _, err := a.Endpoint(context.Background())
	if !errors.Is(err, venue.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestSubscribeFramesEmbedSessionToken(t *testing.T) {
	srv := loginServer(t, nil)
	a := testAdapter(srv.URL)
	if _, _, err := a.Endpoint(context.Background()); err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	frames, err := a.SubscribeFrames(models.Subscription{
		Venue:    VenueName,
		Symbol:   "btc-100k",
		Channels: []models.ChannelKind{models.ChannelBook, models.ChannelTrade},
	})
	if err != nil {
		t.Fatalf("subscribe frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected one frame per channel, got %d", len(frames))
	}
	var cmd commandFrame
	json.Unmarshal(frames[0], &cmd)
	if cmd.Type != "subscribe" || cmd.Channel != "orderbook" || cmd.Market != "btc-100k" {
		t.Fatalf("unexpected frame %+v", cmd)
	}
	if cmd.Token != "tok-123" {
		t.Fatalf("subscribe frame must carry the session token, got %q", cmd.Token)
	}
}

func TestSubscribeWithoutSessionFails(t *testing.T) {
	a := testAdapter("https://example.test")
	_, err := a.SubscribeFrames(models.Subscription{Venue: VenueName, Symbol: "btc-100k"})
	if !errors.Is(err, venue.ErrAuthentication) {
		t.Fatalf("expected authentication error before login, got %v", err)
	}
}

func TestDecodeSnapshotConvertsOdds(t *testing.T) {
	a := testAdapter("https://example.test")
	events, err := a.Decode([]byte(`{
		"type":"orderbook_snapshot","market":"btc-100k","seq":4,
		"bids":[[2.5,100]],"asks":[[1.8,40]],"ts":1700000000000
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snap := events[0].Snapshot
	if snap == nil || snap.Seq != 4 {
		t.Fatalf("expected sequenced snapshot, got %+v", events[0])
	}
	// Decimal odds 2.5 imply probability 0.4.
	if math.Abs(snap.Bids[0].Price-0.4) > 1e-9 || snap.Bids[0].Size != 100 {
		t.Fatalf("unexpected bid %+v", snap.Bids[0])
	}
	if math.Abs(snap.Asks[0].Price-1.0/1.8) > 1e-9 {
		t.Fatalf("unexpected ask %+v", snap.Asks[0])
	}
}

func TestDecodeUpdateMapsLayToAsk(t *testing.T) {
	a := testAdapter("https://example.test")
	events, err := a.Decode([]byte(`{
		"type":"orderbook_update","market":"btc-100k","seq":5,
		"side":"lay","odds":2.0,"delta":-25,"ts":1700000000500
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d := events[0].Delta
	if d == nil || d.Side != models.Ask || d.Price != 0.5 || d.Size != -25 {
		t.Fatalf("unexpected delta %+v", d)
	}
	if !d.HasSeq || d.Seq != 5 || d.Absolute {
		t.Fatalf("limitless deltas are signed and sequenced, got %+v", d)
	}
}

func TestDecodeRejectsImpossibleOdds(t *testing.T) {
	a := testAdapter("https://example.test")
	_, err := a.Decode([]byte(`{"type":"price","market":"btc-100k","odds":0.5}`))
	if err == nil {
		t.Fatalf("odds below 1 must be rejected")
	}
}

func TestDecodePongIsSwallowed(t *testing.T) {
	a := testAdapter("https://example.test")
	events, err := a.Decode([]byte(`{"type":"pong"}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("pong must decode to nothing, got %v %v", events, err)
	}
}

func TestDecodeInvalidTokenErrorIsAuth(t *testing.T) {
	a := testAdapter("https://example.test")
	events, err := a.Decode([]byte(`{"type":"error","code":"invalid_token","message":"session expired"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events[0].Type != models.EventError || !events[0].Err.Auth {
		t.Fatalf("invalid_token must be a fatal auth error, got %+v", events[0])
	}
}

func TestRESTSnapshotUsesBearerToken(t *testing.T) {
	srv := loginServer(t, nil)
	a := testAdapter(srv.URL)

	snap, err := a.REST().OrderbookSnapshot(context.Background(), "btc-100k")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Seq != 9 || len(snap.Bids) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if math.Abs(snap.Bids[0].Price-0.4) > 1e-9 {
		t.Fatalf("expected odds conversion in REST path, got %v", snap.Bids[0].Price)
	}
}

func TestRESTMarketNotFound(t *testing.T) {
	srv := loginServer(t, nil)
	a := testAdapter(srv.URL)

	_, err := a.REST().Market(context.Background(), "nope")
	if !errors.Is(err, venue.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}
