// Package venue defines the contract every venue integration fulfils: a
// wire codec for the venue's WebSocket framing, connection/auth material
// for the dialer, and a REST client for one-shot snapshots and market
// metadata. The connection manager and feed facade only ever see this
// interface; venue payload shapes never leak past a codec.
package venue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"oddsflow/internal/models"
)

var (
	// ErrAuthentication marks credential problems: missing, rejected or
	// expired auth material. Fatal for the connection, never retried.
	ErrAuthentication = errors.New("venue authentication failed")
	// ErrMarketNotFound is returned by REST clients for unknown markets.
	// The feed manager caches it to avoid repeated failing lookups.
	ErrMarketNotFound = errors.New("market not found")
)

// Heartbeat describes the venue's keepalive convention.
type Heartbeat struct {
	// Interval between client keepalives, or the expected server ping
	// cadence when ServerPing is set.
	Interval time.Duration
	// ServerPing means the venue pings and the client only answers pongs;
	// Frame is nil in that case.
	ServerPing bool
	// Frame builds the client keepalive payload (text message).
	Frame func() []byte
}

// Adapter is one venue integration.
type Adapter interface {
	// Name is the venue key ("polymarket", "kalshi", "limitless").
	Name() string

	// Endpoint returns the websocket URL and handshake headers, performing
	// any pre-dial authentication step (signature headers, session login).
	// Credential failures wrap ErrAuthentication.
	Endpoint(ctx context.Context) (url string, header http.Header, err error)

	// AuthFrames returns frames to send right after the socket opens,
	// before any subscription. Most venues return none.
	AuthFrames() ([][]byte, error)

	// SubscribeFrames encodes the wire subscribe message(s) for a
	// subscription; UnsubscribeFrames the inverse.
	SubscribeFrames(sub models.Subscription) ([][]byte, error)
	UnsubscribeFrames(sub models.Subscription) ([][]byte, error)

	// Decode turns one inbound frame into zero or more normalized events.
	// A decode error means the frame is malformed; the caller logs and
	// discards it without tearing down the connection.
	Decode(data []byte) ([]models.Event, error)

	// Heartbeat returns the venue's keepalive policy.
	Heartbeat() Heartbeat

	// NativeSequence reports whether the venue assigns its own delta
	// sequence numbers. When false the ingestion path synthesizes them.
	NativeSequence() bool

	// REST returns the venue's snapshot/metadata client.
	REST() RESTClient
}

// RESTClient is the one-shot HTTP surface backing polling fallbacks and
// cold market lookups.
type RESTClient interface {
	// OrderbookSnapshot fetches a full book for a symbol, normalized.
	OrderbookSnapshot(ctx context.Context, symbol string) (*models.SnapshotEvent, error)
	// Market fetches market metadata; ErrMarketNotFound for unknown ids.
	Market(ctx context.Context, symbol string) (*models.Market, error)
}
