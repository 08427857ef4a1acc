package connection

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrPongTimeout   = errors.New("connection stale (no pong)")
	ErrAlreadyClosed = errors.New("already closed")
)

// Transport is a duplex streaming connection shared by every logical feed of
// one exchange. Implementations reconnect on their own; after a successful
// redial they emit a KindReconnected message ahead of any frame of the new
// session.
type Transport interface {
	// Connect dials the first session. Calling it again after success is a no-op.
	Connect(ctx context.Context) error

	// Send writes one raw frame.
	Send(data []byte) error

	// Messages returns the ordered inbound message sequence.
	Messages() <-chan Message

	// Reconnect drops the current session; a new one is dialed with backoff.
	Reconnect() error

	// Close shuts the transport down for good.
	Close() error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// Kind distinguishes inbound frames from session boundaries.
type Kind uint8

const (
	// KindData carries one raw frame.
	KindData Kind = iota

	// KindReconnected marks the start of a new session. Every server-side
	// subscription of the previous session is gone.
	KindReconnected
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Message is one inbound item from a Transport.
type Message struct {
	Kind       Kind
	Data       []byte    // Raw frame bytes (KindData only)
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
	Session    uint64    // 1 for the first session, +1 per reconnect
}

// Config configures a websocket Transport.
type Config struct {
	URL              string        // e.g. wss://api-pub.bitfinex.com/ws/2
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake limit
	PingInterval     time.Duration // How often we ping the server
	PongTimeout      time.Duration // Max time without pong before the session is dropped
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel buffer size
	Backoff          BackoffConfig // Redial backoff
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      45 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
		Backoff: BackoffConfig{
			Initial:    InitialBackoff,
			Max:        MaxBackoff,
			Multiplier: BackoffMultiplier,
			Jitter:     JitterFactor,
		},
	}
}
