package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client implements Transport over a gorilla websocket.
type client struct {
	cfg    Config
	logger *slog.Logger

	messages chan Message
	done     chan struct{}

	// Serializes the first dial so concurrent Connect calls dial once.
	connectMu sync.Mutex

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	started    bool
	closed     bool
	session    uint64
	lastPongAt time.Time

	backoff *Backoff
}

// NewClient creates a websocket Transport. Nothing is dialed until Connect.
func NewClient(cfg Config, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
		backoff:  NewBackoff(cfg.Backoff),
	}
}

// Connect dials the first session and starts the read loop.
func (c *client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, started := c.closed, c.started
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}
	if started {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.started = true
	c.mu.Unlock()

	c.attach(conn)
	go c.run(conn)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// Close gracefully closes the connection. A second Close is a no-op.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		return conn.Close()
	}

	return nil
}

// Send writes one text frame.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound message channel.
func (c *client) Messages() <-chan Message {
	return c.messages
}

// Reconnect closes the current session; the read loop redials.
func (c *client) Reconnect() error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrAlreadyClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.logger.Info("reconnect requested")
	return conn.Close()
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach makes conn the current session.
func (c *client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.session++
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	// Server pings are answered and also count as liveness.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

// run reads sessions back to back until Close.
func (c *client) run(conn *websocket.Conn) {
	for {
		err := c.readSession(conn)

		c.mu.Lock()
		c.connected = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.logger.Warn("websocket session lost", "error", err)

		conn = c.redial()
		if conn == nil {
			return
		}

		c.mu.RLock()
		session := c.session
		c.mu.RUnlock()

		c.logger.Info("websocket reconnected", "session", session)
		if !c.emit(Message{Kind: KindReconnected, ReceivedAt: time.Now(), Session: session}) {
			return
		}
	}
}

// readSession forwards frames until the session fails.
func (c *client) readSession(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(conn, stop)

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			return err
		}

		// Blocks rather than drops: a lost subscribe ack would strand a feed.
		if !c.emit(Message{Kind: KindData, Data: data, ReceivedAt: receivedAt, Session: session}) {
			return ErrAlreadyClosed
		}
	}
}

func (c *client) emit(msg Message) bool {
	select {
	case c.messages <- msg:
		return true
	case <-c.done:
		return false
	}
}

// redial dials with backoff until it succeeds or the client is closed.
func (c *client) redial() *websocket.Conn {
	for {
		delay := c.backoff.Next()
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout+time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("redial failed",
				"attempt", c.backoff.Attempts(),
				"next_delay", c.backoff.Current(),
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.mu.Unlock()

		c.backoff.Reset()
		c.attach(conn)
		return conn
	}
}

// heartbeatLoop pings the server and drops the session when pongs stop.
func (c *client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			last := c.lastPongAt
			c.mu.RUnlock()

			if c.cfg.PongTimeout > 0 && time.Since(last) > c.cfg.PongTimeout {
				c.logger.Warn("no pong received, dropping session",
					"last_pong", last,
					"timeout", c.cfg.PongTimeout,
					"error", ErrPongTimeout,
				)
				conn.Close()
				return
			}
		}
	}
}
