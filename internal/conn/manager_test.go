package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

// stubAdapter is a minimal venue.Adapter speaking a transparent JSON
// protocol so tests can inspect exactly what the manager writes.
type stubAdapter struct {
	name     string
	url      string
	hb       venue.Heartbeat
	authErr  error
	authMsgs [][]byte
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Endpoint(ctx context.Context) (string, http.Header, error) {
	return a.url, nil, nil
}

func (a *stubAdapter) AuthFrames() ([][]byte, error) {
	if a.authErr != nil {
		return nil, a.authErr
	}
	return a.authMsgs, nil
}

func (a *stubAdapter) SubscribeFrames(sub models.Subscription) ([][]byte, error) {
	return [][]byte{[]byte(fmt.Sprintf(`{"op":"subscribe","symbol":%q}`, sub.Symbol))}, nil
}

func (a *stubAdapter) UnsubscribeFrames(sub models.Subscription) ([][]byte, error) {
	return [][]byte{[]byte(fmt.Sprintf(`{"op":"unsubscribe","symbol":%q}`, sub.Symbol))}, nil
}

func (a *stubAdapter) Decode(data []byte) ([]models.Event, error) {
	var frame struct {
		Op     string `json:"op"`
		Symbol string `json:"symbol"`
		Auth   bool   `json:"auth"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Op == "error" {
		return []models.Event{{
			Venue:  a.name,
			Symbol: frame.Symbol,
			Type:   models.EventError,
			Err:    &models.ErrorEvent{Code: "test", Message: "boom", Auth: frame.Auth},
		}}, nil
	}
	return []models.Event{{
		Venue:  a.name,
		Symbol: frame.Symbol,
		Type:   models.EventTicker,
		Ticker: &models.TickerEvent{OutcomeID: frame.Symbol, Price: 0.5, At: time.Now()},
	}}, nil
}

func (a *stubAdapter) Heartbeat() venue.Heartbeat { return a.hb }
func (a *stubAdapter) NativeSequence() bool       { return true }
func (a *stubAdapter) REST() venue.RESTClient     { return nil }

// wsServer accepts websocket connections and records every text frame it
// receives, per connection generation.
type wsServer struct {
	t *testing.T

	mu       sync.Mutex
	frames   [][]string // frames[i] = messages received on connection i
	conns    []*websocket.Conn
	accepted chan int // connection generation numbers
}

func newWSServer(t *testing.T) (*wsServer, *httptest.Server) {
	s := &wsServer{t: t, accepted: make(chan int, 16)}
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		gen := len(s.frames)
		s.frames = append(s.frames, nil)
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.accepted <- gen

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames[gen] = append(s.frames[gen], string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(ts.Close)
	return s, ts
}

func (s *wsServer) framesOn(gen int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen >= len(s.frames) {
		return nil
	}
	out := make([]string, len(s.frames[gen]))
	copy(out, s.frames[gen])
	return out
}

func (s *wsServer) closeConn(gen int) {
	s.mu.Lock()
	c := s.conns[gen]
	s.mu.Unlock()
	c.Close()
}

func (s *wsServer) send(gen int, payload string) error {
	s.mu.Lock()
	c := s.conns[gen]
	s.mu.Unlock()
	return c.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (s *wsServer) waitFrames(t *testing.T, gen, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := s.framesOn(gen)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames on connection %d, got %v", n, gen, s.framesOn(gen))
	return nil
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func countSubscribes(frames []string) int {
	n := 0
	for _, f := range frames {
		if strings.Contains(f, `"op":"subscribe"`) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		EventBuffer: 64,
	}
}

func TestConnectSendsQueuedSubscriptionsFirst(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	symbols := []string{"FED-25DEC", "CPI-SEP", "NFL-KC-BUF"}
	for _, sym := range symbols {
		if err := m.Subscribe(models.Subscription{Venue: "stub", Symbol: sym, Channels: []models.ChannelKind{models.ChannelBook}}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// All three subscribe frames are written before Connect resolves; give
	// the server a moment to read them off the socket.
	got := srv.waitFrames(t, 0, len(symbols))
	if countSubscribes(got) != len(symbols) {
		t.Fatalf("expected %d subscribe frames from the connect sequence, got %v", len(symbols), got)
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", m.State())
	}
}

func TestReconnectResendsAllSubscriptions(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	symbols := []string{"FED-25DEC", "CPI-SEP", "NFL-KC-BUF"}
	for _, sym := range symbols {
		m.Subscribe(models.Subscription{Venue: "stub", Symbol: sym, Channels: []models.ChannelKind{models.ChannelBook}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	srv.closeConn(0)
	select {
	case <-srv.accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not reconnect after server close")
	}

	got := srv.waitFrames(t, 1, len(symbols))
	if countSubscribes(got) != len(symbols) {
		t.Fatalf("expected %d subscribe frames on reconnect, got %v", len(symbols), got)
	}
	if m.Stats().Reconnects != 1 {
		t.Fatalf("expected 1 reconnect, got %d", m.Stats().Reconnects)
	}
}

func TestEventsAreDecodedAndForwarded(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	if err := srv.send(0, `{"op":"tick","symbol":"FED-25DEC"}`); err != nil {
		t.Fatalf("server send: %v", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Type != models.EventTicker || ev.Symbol != "FED-25DEC" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for decoded event")
	}
}

func TestMalformedFrameIsDiscardedWithoutDisconnect(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	srv.send(0, `not json at all`)
	srv.send(0, `{"op":"tick","symbol":"CPI-SEP"}`)

	select {
	case ev := <-m.Events():
		if ev.Symbol != "CPI-SEP" {
			t.Fatalf("expected the frame after the malformed one, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not survive the malformed frame")
	}
	if m.Stats().Reconnects != 0 {
		t.Fatalf("malformed frame must not force a reconnect")
	}
}

func TestAuthErrorFrameIsFatal(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	srv.send(0, `{"op":"error","auth":true}`)

	select {
	case err := <-m.Fatal():
		if !errors.Is(err, venue.ErrAuthentication) {
			t.Fatalf("expected authentication error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fatal auth error")
	}
}

func TestAttemptCeilingReturnsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	// Nothing listens on this port.
	adapter := &stubAdapter{name: "stub", url: "ws://127.0.0.1:1"}
	m := NewManager(adapter, cfg)
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Connect(ctx)
	if !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected after exhaustion, got %s", m.State())
	}
}

func TestResubscribeSendsUnsubscribeThenSubscribe(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	sub := models.Subscription{Venue: "stub", Symbol: "FED-25DEC", Channels: []models.ChannelKind{models.ChannelBook}}
	m.Subscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	if err := m.Resubscribe(sub); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	got := srv.waitFrames(t, 0, 3)
	if !strings.Contains(got[1], `"op":"unsubscribe"`) || !strings.Contains(got[2], `"op":"subscribe"`) {
		t.Fatalf("expected unsubscribe then subscribe, got %v", got)
	}
}

func TestClientHeartbeatFramesAreSent(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{
		name: "stub",
		url:  wsURL(ts),
		hb: venue.Heartbeat{
			Interval: 20 * time.Millisecond,
			Frame:    func() []byte { return []byte("PING") },
		},
	}
	m := NewManager(adapter, testConfig())
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pings := 0
		for _, f := range srv.framesOn(0) {
			if f == "PING" {
				pings++
			}
		}
		if pings >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 keepalive frames, got %v", srv.framesOn(0))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv, ts := newWSServer(t)
	adapter := &stubAdapter{name: "stub", url: wsURL(ts)}
	m := NewManager(adapter, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-srv.accepted

	m.Disconnect()
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
}
