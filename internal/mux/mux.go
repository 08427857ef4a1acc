package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/exchange-feeds/internal/connection"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

type entryState int

const (
	statePending entryState = iota
	stateBound
)

// entry is one Subscription: the key, its replay subject and binding state.
type entry struct {
	key     Key
	subject *stream.Subject[Payload]
	state   entryState
	channel ChannelID
}

// Multiplexer shares one Transport among many keyed feeds.
type Multiplexer struct {
	cfg    Config
	codec  Codec
	dial   func() connection.Transport
	logger *slog.Logger

	mu        sync.Mutex
	transport connection.Transport
	entries   map[Key]*entry
	bindings  map[ChannelID]Key
	cancelled map[Key]struct{} // Unsubscribed before the ack arrived
	closed    bool

	// Single writer: every outbound frame goes through the outbox.
	outbox *stream.Queue[[]byte]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session atomic.Uint64

	framesReceived  atomic.Int64
	framesDelivered atomic.Int64
	staleFrames     atomic.Int64
	heartbeats      atomic.Int64
	reconnects      atomic.Int64
	parseErrors     atomic.Int64
	sendErrors      atomic.Int64
	rejected        atomic.Int64
}

// New creates a multiplexer. dial is called once, on the first Subscribe, to
// create the shared Transport.
func New(codec Codec, dial func() connection.Transport, cfg Config, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboxSize < 1 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Multiplexer{
		cfg:       cfg,
		codec:     codec,
		dial:      dial,
		logger:    logger.With("component", "mux"),
		entries:   make(map[Key]*entry),
		bindings:  make(map[ChannelID]Key),
		cancelled: make(map[Key]struct{}),
		outbox:    stream.NewQueue[[]byte](cfg.OutboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe returns a new listener for key. It never blocks.
//
// The first Subscribe for a key queues one subscribe frame; later calls only
// attach a listener, which first receives the latest value if there is one.
// If the server rejects the subscription the stream ends with a
// *RemoteRejectedError.
func (m *Multiplexer) Subscribe(key Key) *stream.Stream[Payload] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		src, s := stream.Pipe[Payload]()
		src.Finish(ErrClosed)
		return s
	}

	m.ensureTransportLocked()

	if e, ok := m.entries[key]; ok {
		return e.subject.Subscribe()
	}

	e := &entry{key: key, subject: stream.NewSubject[Payload]()}
	m.entries[key] = e

	switch {
	case m.takeCancelledLocked(key):
		// The earlier subscribe is still in flight; its ack binds this entry.
		m.logger.Debug("queued unsubscribe cancelled", "key", key)
	case m.adoptBindingLocked(e):
		m.logger.Debug("adopted existing binding", "key", key, "chan_id", e.channel)
	default:
		m.enqueueSubscribeLocked(e)
	}

	return e.subject.Subscribe()
}

// Unsubscribe ends the feed for key. Listeners complete normally.
//
// Keys that do not name a concrete channel feed fail with
// ErrInvalidRequestKind. Unsubscribing a key with no Subscription is a no-op.
func (m *Multiplexer) Unsubscribe(key Key) error {
	if !key.Unsubscribable() {
		return fmt.Errorf("unsubscribe %q: %w", key, ErrInvalidRequestKind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}

	if e.state == statePending {
		if m.cfg.RejectUnbound {
			return fmt.Errorf("unsubscribe %s: %w", key, ErrUnknownChannelBinding)
		}
		delete(m.entries, key)
		m.cancelled[key] = struct{}{}
		e.subject.Complete()
		m.logger.Debug("unsubscribe queued until ack", "key", key)
		return nil
	}

	delete(m.entries, key)
	delete(m.bindings, e.channel)
	e.subject.Complete()
	m.enqueueUnsubscribeLocked(e.channel)
	return nil
}

// Close ends every feed with ErrClosed, closes the Transport and waits for
// the internal goroutines.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for key, e := range m.entries {
		e.subject.Fail(ErrClosed)
		delete(m.entries, key)
	}
	t := m.transport
	m.mu.Unlock()

	m.cancel()
	m.outbox.Close()
	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Debug("transport close", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("multiplexer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns multiplexer counters.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	subs := len(m.entries)
	bound := 0
	for _, e := range m.entries {
		if e.state == stateBound {
			bound++
		}
	}
	queued := len(m.cancelled)
	m.mu.Unlock()

	return Stats{
		Subscriptions:      subs,
		Bound:              bound,
		Pending:            subs - bound,
		QueuedUnsubscribes: queued,
		Session:            m.session.Load(),
		FramesReceived:     m.framesReceived.Load(),
		FramesDelivered:    m.framesDelivered.Load(),
		StaleFrames:        m.staleFrames.Load(),
		Heartbeats:         m.heartbeats.Load(),
		Reconnects:         m.reconnects.Load(),
		ParseErrors:        m.parseErrors.Load(),
		SendErrors:         m.sendErrors.Load(),
		RejectedSubscribes: m.rejected.Load(),
	}
}

// Stats contains multiplexer counters.
type Stats struct {
	Subscriptions      int
	Bound              int
	Pending            int
	QueuedUnsubscribes int
	Session            uint64
	FramesReceived     int64
	FramesDelivered    int64
	StaleFrames        int64
	Heartbeats         int64
	Reconnects         int64
	ParseErrors        int64
	SendErrors         int64
	RejectedSubscribes int64
}

// ensureTransportLocked creates the Transport and starts the loops once.
func (m *Multiplexer) ensureTransportLocked() {
	if m.transport != nil {
		return
	}
	t := m.dial()
	m.transport = t

	m.wg.Add(2)
	go m.writeLoop(t)
	go m.readLoop(t)
}

func (m *Multiplexer) takeCancelledLocked(key Key) bool {
	if _, ok := m.cancelled[key]; !ok {
		return false
	}
	delete(m.cancelled, key)
	return true
}

// adoptBindingLocked binds e to a channel the server already streams for its key.
func (m *Multiplexer) adoptBindingLocked(e *entry) bool {
	for ch, key := range m.bindings {
		if key == e.key {
			e.state = stateBound
			e.channel = ch
			return true
		}
	}
	return false
}

// enqueueSubscribeLocked queues the subscribe frame for e. A key the codec
// cannot encode ends its Subscription with the encode error.
func (m *Multiplexer) enqueueSubscribeLocked(e *entry) {
	data, err := m.codec.EncodeSubscribe(e.key)
	if err != nil {
		m.logger.Error("encode subscribe", "key", e.key, "error", err)
		delete(m.entries, e.key)
		e.subject.Fail(fmt.Errorf("encode subscribe %s: %w", e.key, err))
		return
	}
	m.outbox.Push(data)
}

func (m *Multiplexer) enqueueUnsubscribeLocked(ch ChannelID) {
	data, err := m.codec.EncodeUnsubscribe(ch)
	if err != nil {
		m.logger.Error("encode unsubscribe", "chan_id", ch, "error", err)
		return
	}
	m.outbox.Push(data)
}

// writeLoop connects the Transport, then sends queued frames in order.
func (m *Multiplexer) writeLoop(t connection.Transport) {
	defer m.wg.Done()

	if !m.connect(t) {
		return
	}

	for {
		data, ok := m.outbox.Pop()
		if !ok {
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		// Frames lost while the session is down are re-issued on reconnect.
		if err := t.Send(data); err != nil {
			m.sendErrors.Add(1)
			m.logger.Warn("send failed", "error", err)
		}
	}
}

// connect dials until the Transport is up or the multiplexer closes.
func (m *Multiplexer) connect(t connection.Transport) bool {
	backoff := connection.NewBackoff(m.cfg.ConnectBackoff)

	for {
		err := t.Connect(m.ctx)
		if err == nil {
			m.session.Store(1)
			return true
		}
		if errors.Is(err, connection.ErrAlreadyClosed) || m.ctx.Err() != nil {
			return false
		}

		delay := backoff.Next()
		m.logger.Warn("connect failed",
			"attempt", backoff.Attempts(),
			"retry_in", delay,
			"error", err,
		)

		select {
		case <-m.ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// readLoop dispatches inbound messages in arrival order.
func (m *Multiplexer) readLoop(t connection.Transport) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-t.Messages():
			m.handleMessage(t, msg)
		}
	}
}

func (m *Multiplexer) handleMessage(t connection.Transport, msg connection.Message) {
	if msg.Kind == connection.KindReconnected {
		m.handleReconnect(msg.Session)
		return
	}

	m.framesReceived.Add(1)

	frame, err := m.codec.Decode(msg.Data)
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Debug("undecodable frame", "error", err, "size", len(msg.Data))
		return
	}

	switch f := frame.(type) {
	case SubscribedFrame:
		m.handleSubscribed(f)
	case UnsubscribedFrame:
		m.logger.Debug("unsubscribed", "chan_id", f.Channel)
	case ErrorFrame:
		m.handleError(f)
	case HeartbeatFrame:
		m.heartbeats.Add(1)
	case DataFrame:
		m.handleData(f)
	case InfoFrame:
		m.handleInfo(t, f)
	}
}

func (m *Multiplexer) handleSubscribed(f SubscribedFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.takeCancelledLocked(f.Key) {
		m.enqueueUnsubscribeLocked(f.Channel)
		m.logger.Debug("sending queued unsubscribe", "key", f.Key, "chan_id", f.Channel)
		return
	}

	if prev, ok := m.bindings[f.Channel]; ok && prev != f.Key {
		m.logger.Warn("channel rebound", "chan_id", f.Channel, "old_key", prev, "new_key", f.Key)
	}
	m.bindings[f.Channel] = f.Key

	e, ok := m.entries[f.Key]
	if !ok {
		m.logger.Debug("ack without subscription, binding kept inert", "key", f.Key, "chan_id", f.Channel)
		return
	}
	if e.state == stateBound && e.channel != f.Channel {
		delete(m.bindings, e.channel)
	}
	e.state = stateBound
	e.channel = f.Channel

	m.logger.Debug("subscribed", "key", f.Key, "chan_id", f.Channel)
}

func (m *Multiplexer) handleError(f ErrorFrame) {
	if f.Duplicate {
		m.logger.Debug("duplicate subscribe ignored", "key", f.Key, "code", f.Code)
		return
	}
	if !f.HasKey {
		m.logger.Warn("remote error", "code", f.Code, "msg", f.Message)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.takeCancelledLocked(f.Key) {
		return
	}

	e, ok := m.entries[f.Key]
	if !ok || e.state != statePending {
		m.logger.Warn("remote error for unknown request", "key", f.Key, "code", f.Code, "msg", f.Message)
		return
	}

	delete(m.entries, f.Key)
	m.rejected.Add(1)
	e.subject.Fail(&RemoteRejectedError{Key: f.Key, Code: f.Code, Message: f.Message})
	m.logger.Warn("subscribe rejected", "key", f.Key, "code", f.Code, "msg", f.Message)
}

func (m *Multiplexer) handleData(f DataFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.bindings[f.Channel]
	var e *entry
	if ok {
		e = m.entries[key]
	}
	if e == nil || e.state != stateBound || e.channel != f.Channel {
		m.staleFrames.Add(1)
		m.logger.Debug("frame dropped", "chan_id", f.Channel, "error", ErrStaleFrame)
		return
	}

	// Delivered under the lock so Unsubscribe cannot complete the subject
	// between lookup and delivery. Next never blocks.
	if e.subject.Next(f.Payload) {
		m.framesDelivered.Add(1)
	}
}

func (m *Multiplexer) handleInfo(t connection.Transport, f InfoFrame) {
	m.logger.Info("remote info", "code", f.Code, "msg", f.Message)
	if !f.Reconnect {
		return
	}
	if err := t.Reconnect(); err != nil {
		m.logger.Warn("reconnect request failed", "error", err)
	}
}

// handleReconnect invalidates every binding and re-subscribes every live
// Subscription on the new session.
func (m *Multiplexer) handleReconnect(session uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session.Store(session)
	m.reconnects.Add(1)

	clear(m.bindings)
	clear(m.cancelled)

	// Frames queued for the old session are meaningless now.
	for {
		if _, ok := m.outbox.TryPop(); !ok {
			break
		}
	}

	for _, e := range m.entries {
		e.state = statePending
		e.channel = 0
		m.enqueueSubscribeLocked(e)
	}

	m.logger.Info("resubscribing after reconnect", "session", session, "subscriptions", len(m.entries))
}
