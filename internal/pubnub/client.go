// Package pubnub is a minimal subscribe-only PubNub client built on the
// v2 long-poll endpoint.
//
// One poll loop serves every subscribed channel. Changing the channel set
// cancels the in-flight poll and restarts it with the same timetoken, so no
// message published between polls is lost.
package pubnub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/rickgao/exchange-feeds/internal/connection"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// DefaultOrigin is the public PubNub edge.
const DefaultOrigin = "https://ps.pndsn.com"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("pubnub client closed")

// Config configures a Client.
type Config struct {
	Origin       string
	SubscribeKey string
	UUID         string        // Generated when empty
	PollTimeout  time.Duration // Server holds a poll up to ~280s
	Backoff      connection.BackoffConfig
}

// DefaultConfig returns defaults for subscribeKey.
func DefaultConfig(subscribeKey string) Config {
	return Config{
		Origin:       DefaultOrigin,
		SubscribeKey: subscribeKey,
		PollTimeout:  310 * time.Second,
		Backoff: connection.BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     connection.JitterFactor,
		},
	}
}

// Stats are client counters.
type Stats struct {
	Channels  int
	Polls     int64
	Messages  int64
	Dropped   int64 // Messages for channels no longer subscribed
	Errors    int64
	Timetoken string
}

// Client multiplexes PubNub channels over one long-poll loop.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger

	mu        sync.Mutex
	channels  map[string]*stream.Subject[json.RawMessage]
	changed   chan struct{}
	abortPoll context.CancelFunc
	timetoken string
	region    int
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	polls    atomic.Int64
	messages atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
}

// NewClient creates a client. The poll loop starts on the first Subscribe.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 310 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		http:      resty.New().SetBaseURL(strings.TrimRight(cfg.Origin, "/")).SetTimeout(cfg.PollTimeout),
		logger:    logger.With("component", "pubnub"),
		channels:  make(map[string]*stream.Subject[json.RawMessage]),
		changed:   make(chan struct{}, 1),
		timetoken: "0",
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe attaches a listener to channel, joining it if needed. Listeners
// of the same channel share one subject; a late listener first gets the
// latest message.
func (c *Client) Subscribe(channel string) *stream.Stream[json.RawMessage] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		src, s := stream.Pipe[json.RawMessage]()
		src.Finish(ErrClosed)
		return s
	}

	if subj, ok := c.channels[channel]; ok {
		return subj.Subscribe()
	}

	subj := stream.NewSubject[json.RawMessage]()
	c.channels[channel] = subj
	c.restartPollLocked()

	if !c.started {
		c.started = true
		c.wg.Add(1)
		go c.pollLoop()
	}
	return subj.Subscribe()
}

// Unsubscribe leaves channel and completes its listeners. Unknown channels
// are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	subj, ok := c.channels[channel]
	if ok {
		delete(c.channels, channel)
		c.restartPollLocked()
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	subj.Complete()
	return c.leave(ctx, []string{channel})
}

// Channels returns the subscribed channels, sorted.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelListLocked()
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	n, tt := len(c.channels), c.timetoken
	c.mu.Unlock()

	return Stats{
		Channels:  n,
		Polls:     c.polls.Load(),
		Messages:  c.messages.Load(),
		Dropped:   c.dropped.Load(),
		Errors:    c.errors.Load(),
		Timetoken: tt,
	}
}

// Close stops polling, leaves every channel and fails listeners with ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channelListLocked()
	subjects := c.channels
	c.channels = make(map[string]*stream.Subject[json.RawMessage])
	c.mu.Unlock()

	c.cancel()
	for _, subj := range subjects {
		subj.Fail(ErrClosed)
	}

	var leaveErr error
	if len(channels) > 0 {
		leaveErr = c.leave(ctx, channels)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return leaveErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restartPollLocked wakes the loop and aborts the in-flight poll.
func (c *Client) restartPollLocked() {
	if c.abortPoll != nil {
		c.abortPoll()
	}
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Client) channelListLocked() []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (c *Client) pollLoop() {
	defer c.wg.Done()

	backoff := connection.NewBackoff(c.cfg.Backoff)
	for {
		c.mu.Lock()
		channels := c.channelListLocked()
		tt, tr := c.timetoken, c.region
		pollCtx, abort := context.WithCancel(c.ctx)
		c.abortPoll = abort
		c.mu.Unlock()

		if len(channels) == 0 {
			abort()
			select {
			case <-c.ctx.Done():
				return
			case <-c.changed:
				continue
			}
		}

		resp, err := c.poll(pollCtx, channels, tt, tr)
		restarted := pollCtx.Err() != nil
		abort()

		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			if restarted {
				continue
			}
			c.errors.Add(1)
			delay := backoff.Next()
			c.logger.Warn("subscribe poll failed", "channels", len(channels), "retry_in", delay, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		backoff.Reset()
		c.deliver(resp)
	}
}

type timetoken struct {
	T string `json:"t"`
	R int    `json:"r"`
}

type envelope struct {
	Channel string          `json:"c"`
	Payload json.RawMessage `json:"d"`
}

type subscribeResponse struct {
	Timetoken timetoken  `json:"t"`
	Messages  []envelope `json:"m"`
}

func (c *Client) poll(ctx context.Context, channels []string, tt string, tr int) (subscribeResponse, error) {
	c.polls.Add(1)

	req := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"key":      c.cfg.SubscribeKey,
			"channels": strings.Join(channels, ","),
		}).
		SetQueryParam("tt", tt).
		SetQueryParam("uuid", c.cfg.UUID)
	if tr != 0 {
		req.SetQueryParam("tr", fmt.Sprint(tr))
	}

	resp, err := req.Get("/v2/subscribe/{key}/{channels}/0")
	if err != nil {
		return subscribeResponse{}, fmt.Errorf("subscribe: %w", err)
	}
	if resp.IsError() {
		return subscribeResponse{}, fmt.Errorf("subscribe: status %d: %s", resp.StatusCode(), resp.Body())
	}

	// The edge answers with text/javascript, so decode by hand.
	var out subscribeResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return subscribeResponse{}, fmt.Errorf("subscribe: decode: %w", err)
	}
	if out.Timetoken.T == "" {
		return subscribeResponse{}, errors.New("subscribe: response has no timetoken")
	}
	return out, nil
}

func (c *Client) deliver(resp subscribeResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timetoken = resp.Timetoken.T
	c.region = resp.Timetoken.R

	for _, m := range resp.Messages {
		subj, ok := c.channels[m.Channel]
		if !ok {
			c.dropped.Add(1)
			continue
		}
		c.messages.Add(1)
		subj.Next(m.Payload)
	}
}

func (c *Client) leave(ctx context.Context, channels []string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"key":      c.cfg.SubscribeKey,
			"channels": strings.Join(channels, ","),
		}).
		SetQueryParam("uuid", c.cfg.UUID).
		Get("/v2/presence/sub-key/{key}/channel/{channels}/leave")
	if err != nil {
		return fmt.Errorf("leave %v: %w", channels, err)
	}
	if resp.IsError() {
		return fmt.Errorf("leave %v: status %d", channels, resp.StatusCode())
	}
	return nil
}
