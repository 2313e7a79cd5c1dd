// Package conn owns one WebSocket connection to one venue: the lifecycle
// state machine, the authentication handshake, heartbeats, the registered
// subscription set and the reconnect/backoff policy. It is generic over the
// venue adapter; everything protocol-specific lives behind venue.Adapter.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"oddsflow/internal/metrics"
	"oddsflow/internal/models"
	"oddsflow/internal/venue"
	"oddsflow/logger"
)

// State of the connection lifecycle. Owned exclusively by the Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	// ErrConnectionExhausted is surfaced when the reconnect attempt ceiling
	// is exceeded. Fatal for the venue; the caller decides what happens next.
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	// ErrNotStarted is returned by operations that need a running manager.
	ErrNotStarted = errors.New("connection manager not started")
)

const (
	handshakeTimeout = 15 * time.Second
	writeTimeout     = 5 * time.Second
)

// Config tunes one venue's connection policy.
type Config struct {
	// BackoffBase is the first reconnect delay; doubles up to BackoffMax.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
	// MaxAttempts bounds consecutive failed attempts (0 = retry forever).
	MaxAttempts int
	// EventBuffer is the capacity of the outbound event channel.
	EventBuffer int
}

// Stats is a point-in-time view of the connection for the metrics loop.
type Stats struct {
	State         string
	Reconnects    int64
	DroppedEvents int64
	Subscriptions int
}

// Manager drives the connection state machine:
//
//	Disconnected -> Connecting -> Authenticating -> Connected
//	Connected -> Reconnecting -> Connecting (backoff doubling, capped)
//
// All inbound frames are decoded on the single read loop goroutine and
// forwarded to the Events channel, so consumers observe one serialized
// stream per venue.
type Manager struct {
	adapter venue.Adapter
	cfg     Config
	log     *logger.Log

	events chan models.Event
	fatal  chan error

	mu      sync.Mutex
	subs    map[string]models.Subscription
	conn    *websocket.Conn
	cancel  context.CancelFunc
	started bool

	writeMu sync.Mutex

	state         atomic.Int32
	reconnects    atomic.Int64
	droppedEvents atomic.Int64

	connected     chan struct{}
	connectedOnce sync.Once

	wg sync.WaitGroup
}

func NewManager(adapter venue.Adapter, cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	return &Manager{
		adapter:   adapter,
		cfg:       cfg,
		log:       logger.GetLogger(),
		events:    make(chan models.Event, cfg.EventBuffer),
		fatal:     make(chan error, 1),
		subs:      make(map[string]models.Subscription),
		connected: make(chan struct{}),
	}
}

// Connect starts the state machine and blocks until the first Connected
// transition, a fatal error (authentication, attempt ceiling) or ctx
// cancellation. The machine keeps running in the background afterwards.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx)

	select {
	case <-m.connected:
		return nil
	case err := <-m.fatal:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the serialized stream of decoded inbound events.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// Fatal delivers at most one unrecoverable error (auth failure or
// exhausted attempts) after which the machine has stopped.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	subs := len(m.subs)
	m.mu.Unlock()
	return Stats{
		State:         m.State().String(),
		Reconnects:    m.reconnects.Load(),
		DroppedEvents: m.droppedEvents.Load(),
		Subscriptions: subs,
	}
}

// Subscribe registers a subscription and, when connected, sends the wire
// frames immediately. Registered subscriptions are unconditionally re-sent
// on every reconnect because the venue holds no state across connections.
func (m *Manager) Subscribe(sub models.Subscription) error {
	m.mu.Lock()
	m.subs[sub.Key()] = sub
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.State() != StateConnected {
		return nil // queued; sent on the next Connected transition
	}
	return m.sendFrames(conn, sub, false)
}

// Unsubscribe removes the registration and, when connected, sends the wire
// unsubscribe frames.
func (m *Manager) Unsubscribe(sub models.Subscription) error {
	m.mu.Lock()
	delete(m.subs, sub.Key())
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.State() != StateConnected {
		return nil
	}
	return m.sendFrames(conn, sub, true)
}

// Resubscribe sends unsubscribe-then-subscribe frames for a registration
// that stays in place. Used by gap recovery to force a fresh snapshot.
func (m *Manager) Resubscribe(sub models.Subscription) error {
	m.mu.Lock()
	m.subs[sub.Key()] = sub
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.State() != StateConnected {
		return ErrNotStarted
	}
	if err := m.sendFrames(conn, sub, true); err != nil {
		return err
	}
	return m.sendFrames(conn, sub, false)
}

// Disconnect tears the machine down: cancels timers and reconnect waits,
// closes the socket and waits for all goroutines. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.state.Store(int32(StateDisconnected))
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Manager) fail(err error) {
	m.setState(StateDisconnected)
	select {
	case m.fatal <- err:
	default:
	}
	m.log.WithComponent("conn_manager").WithError(err).WithFields(logger.Fields{
		"venue": m.adapter.Name(),
	}).Error("connection failed fatally")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	log := m.log.WithComponent("conn_manager").WithFields(logger.Fields{
		"venue": m.adapter.Name(),
	})
	bo := &backoff.Backoff{
		Min:    m.cfg.BackoffBase,
		Max:    m.cfg.BackoffMax,
		Factor: 2,
		Jitter: false,
	}
	attempts := 0
	hb := m.adapter.Heartbeat()

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateConnecting)
		url, header, err := m.adapter.Endpoint(ctx)
		if err != nil {
			if errors.Is(err, venue.ErrAuthentication) {
				m.fail(err)
				return
			}
			log.WithError(err).Warn("failed to resolve venue endpoint")
			if !m.waitRetry(ctx, log, bo, &attempts) {
				return
			}
			continue
		}

		dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		wsConn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
				m.fail(fmt.Errorf("%w: handshake rejected with status %d", venue.ErrAuthentication, resp.StatusCode))
				return
			}
			log.WithError(err).Warn("websocket dial failed")
			if !m.waitRetry(ctx, log, bo, &attempts) {
				return
			}
			continue
		}

		m.setState(StateAuthenticating)
		if err := m.authenticate(wsConn); err != nil {
			wsConn.Close()
			if errors.Is(err, venue.ErrAuthentication) {
				m.fail(err)
				return
			}
			log.WithError(err).Warn("post-connect auth write failed")
			if !m.waitRetry(ctx, log, bo, &attempts) {
				return
			}
			continue
		}

		// Re-send every registered subscription before anyone can observe
		// Connected, so callers never see a connected-but-unsubscribed window.
		if err := m.sendAllSubscriptions(wsConn); err != nil {
			wsConn.Close()
			log.WithError(err).Warn("resubscribe on connect failed")
			if !m.waitRetry(ctx, log, bo, &attempts) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = wsConn
		m.mu.Unlock()
		m.setState(StateConnected)
		m.connectedOnce.Do(func() { close(m.connected) })
		log.WithFields(logger.Fields{"url": url}).Info("connected")

		connectedAt := time.Now()
		stopHeartbeat := m.startHeartbeat(ctx, wsConn, hb)
		readErr := m.readLoop(ctx, wsConn, hb)
		stopHeartbeat()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		wsConn.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		if readErr != nil && errors.Is(readErr, venue.ErrAuthentication) {
			m.fail(readErr)
			return
		}

		// A connection that survived past the first heartbeat resets the
		// backoff and the attempt counter.
		if interval := hb.Interval; interval > 0 && time.Since(connectedAt) > interval {
			bo.Reset()
			attempts = 0
		}

		m.setState(StateReconnecting)
		m.reconnects.Add(1)
		log.WithError(readErr).Warn("connection lost")
		if !m.waitRetry(ctx, log, bo, &attempts) {
			return
		}
	}
}

// waitRetry sleeps for the next backoff interval. Returns false when the
// machine must stop (cancelled or attempt ceiling reached).
func (m *Manager) waitRetry(ctx context.Context, log *logger.Entry, bo *backoff.Backoff, attempts *int) bool {
	*attempts++
	if m.cfg.MaxAttempts > 0 && *attempts > m.cfg.MaxAttempts {
		m.fail(fmt.Errorf("%w: %d attempts", ErrConnectionExhausted, *attempts-1))
		return false
	}

	wait := bo.Duration()
	log.WithFields(logger.Fields{
		"attempt":  *attempts,
		"retry_in": wait.String(),
	}).Info("reconnecting after backoff")

	select {
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-time.After(wait):
		return true
	}
}

func (m *Manager) authenticate(wsConn *websocket.Conn) error {
	frames, err := m.adapter.AuthFrames()
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.write(wsConn, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendAllSubscriptions(wsConn *websocket.Conn) error {
	m.mu.Lock()
	subs := make([]models.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.sendFrames(wsConn, sub, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendFrames(wsConn *websocket.Conn, sub models.Subscription, unsubscribe bool) error {
	var frames [][]byte
	var err error
	if unsubscribe {
		frames, err = m.adapter.UnsubscribeFrames(sub)
	} else {
		frames, err = m.adapter.SubscribeFrames(sub)
	}
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.write(wsConn, frame); err != nil {
			return err
		}
	}
	return nil
}

// write serializes all socket writes (heartbeat timer vs. subscribe calls).
func (m *Manager) write(wsConn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsConn.WriteMessage(websocket.TextMessage, data)
}

// startHeartbeat runs the client keepalive timer for venues that require
// one. Heartbeats are a side effect only: they never touch sequence or
// freshness state.
func (m *Manager) startHeartbeat(ctx context.Context, wsConn *websocket.Conn, hb venue.Heartbeat) func() {
	if hb.ServerPing || hb.Interval <= 0 || hb.Frame == nil {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(hb.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := m.write(wsConn, hb.Frame()); err != nil {
					// The read loop observes the broken socket and drives
					// the reconnect; nothing else to do here.
					return
				}
			}
		}
	}()
	return cancel
}

func (m *Manager) readLoop(ctx context.Context, wsConn *websocket.Conn, hb venue.Heartbeat) error {
	log := m.log.WithComponent("conn_manager").WithFields(logger.Fields{
		"venue": m.adapter.Name(),
	})

	var readTimeout time.Duration
	if hb.Interval > 0 {
		readTimeout = 3 * hb.Interval
		wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	wsConn.SetPongHandler(func(string) error {
		if readTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return nil
	})
	// The default ping handler answers server pings with pongs; just keep
	// the deadline moving for server-ping venues.
	defaultPing := wsConn.PingHandler()
	wsConn.SetPingHandler(func(appData string) error {
		if readTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return defaultPing(appData)
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if readTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		events, err := m.adapter.Decode(data)
		if err != nil {
			// A malformed frame is logged and discarded; one bad frame
			// does not tear down the connection.
			log.WithError(err).WithFields(logger.Fields{
				"payload_bytes": len(data),
			}).Warn("discarding malformed frame")
			continue
		}

		for _, ev := range events {
			if ev.Type == models.EventError && ev.Err != nil {
				if ev.Err.Auth {
					return fmt.Errorf("%w: %s", venue.ErrAuthentication, ev.Err.Message)
				}
				log.WithFields(logger.Fields{
					"code":    ev.Err.Code,
					"message": ev.Err.Message,
				}).Warn("venue reported error")
				continue
			}
			select {
			case m.events <- ev:
			default:
				m.droppedEvents.Add(1)
				metrics.EmitDropMetric(m.log, metrics.DropMetricConnEvents, m.adapter.Name(), ev.Symbol, "conn")
				log.WithFields(logger.Fields{"type": ev.Type.String()}).Warn("event buffer full, dropping message")
			}
		}
	}
}
