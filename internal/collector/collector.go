// Package collector runs the configured live feeds and hands every value to
// the sinks (cache, database writers).
//
// Each feed runs in its own goroutine. A feed that ends with an error is
// reopened after a backoff; one that the exchange does not support is
// dropped.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/exchange-feeds/internal/connection"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// Feed selects the live feeds of one pair.
type Feed struct {
	Exchange string
	Pair     string
	Ticker   bool
	Depth    bool
	Candles  []time.Duration // LastCandle timeframes
}

// Sink receives live values. *cache.Cache satisfies it.
type Sink interface {
	PutTicker(ctx context.Context, t model.Ticker) error
	PutDepth(ctx context.Context, d model.Depth) error
	PutCandle(ctx context.Context, c model.Candle) error
}

// Exchanges resolves adapters by name.
type Exchanges interface {
	Get(name string) (exchange.Exchange, error)
}

// Stats are collector counters.
type Stats struct {
	Tickers    int64
	Depths     int64
	Candles    int64
	SinkErrors int64
	Reopens    int64
	Running    int64
}

// Collector relays feeds into sinks.
type Collector struct {
	feeds     []Feed
	exchanges Exchanges
	sinks     []Sink
	backoff   connection.BackoffConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	group  errgroup.Group

	tickers    atomic.Int64
	depths     atomic.Int64
	candles    atomic.Int64
	sinkErrors atomic.Int64
	reopens    atomic.Int64
	running    atomic.Int64
}

// New creates a collector. backoff paces reopening failed feeds.
func New(feeds []Feed, exchanges Exchanges, sinks []Sink, backoff connection.BackoffConfig, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		feeds:     feeds,
		exchanges: exchanges,
		sinks:     sinks,
		backoff:   backoff,
		logger:    logger.With("component", "collector"),
	}
}

// Start opens every feed. It fails without starting anything if a feed
// names an unknown exchange.
func (c *Collector) Start(ctx context.Context) error {
	resolved := make([]exchange.Exchange, len(c.feeds))
	for i, f := range c.feeds {
		ex, err := c.exchanges.Get(f.Exchange)
		if err != nil {
			return fmt.Errorf("feed %s %s: %w", f.Exchange, f.Pair, err)
		}
		resolved[i] = ex
	}

	ctx, c.cancel = context.WithCancel(ctx)

	for i, f := range c.feeds {
		ex := resolved[i]
		if f.Ticker {
			c.spawn(func() {
				run(ctx, c, "ticker", f, func(ctx context.Context) *stream.Stream[model.Ticker] {
					return ex.Ticker(ctx, f.Pair)
				}, c.putTicker)
			})
		}
		if f.Depth {
			c.spawn(func() {
				run(ctx, c, "depth", f, func(ctx context.Context) *stream.Stream[model.Depth] {
					return ex.Depth(ctx, f.Pair)
				}, c.putDepth)
			})
		}
		for _, tf := range f.Candles {
			c.spawn(func() {
				run(ctx, c, "candle "+exchange.FormatTimeframe(tf), f, func(ctx context.Context) *stream.Stream[model.Candle] {
					return ex.LastCandle(ctx, f.Pair, tf)
				}, c.putCandle)
			})
		}
	}

	c.logger.Info("collector started", "feeds", len(c.feeds), "running", c.running.Load())
	return nil
}

// Stop ends every feed and waits for the relays to return.
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("collector stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("collector stop timed out")
		return ctx.Err()
	}
}

// Stats returns current counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Tickers:    c.tickers.Load(),
		Depths:     c.depths.Load(),
		Candles:    c.candles.Load(),
		SinkErrors: c.sinkErrors.Load(),
		Reopens:    c.reopens.Load(),
		Running:    c.running.Load(),
	}
}

func (c *Collector) spawn(fn func()) {
	c.running.Add(1)
	c.group.Go(func() error {
		defer c.running.Add(-1)
		fn()
		return nil
	})
}

// run relays one feed until ctx is done, reopening it after failures.
func run[T any](ctx context.Context, c *Collector, kind string, f Feed, open func(context.Context) *stream.Stream[T], put func(context.Context, T)) {
	logger := c.logger.With("exchange", f.Exchange, "pair", f.Pair, "feed", kind)
	backoff := connection.NewBackoff(c.backoff)

	for {
		received, err := relay(ctx, open(ctx), put)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, exchange.ErrNotSupported) {
			logger.Info("feed not supported, skipping", "error", err)
			return
		}
		if received > 0 {
			backoff.Reset()
		}

		delay := backoff.Next()
		if errors.Is(err, io.EOF) {
			logger.Info("feed completed, reopening", "received", received, "delay", delay)
		} else {
			logger.Warn("feed failed, reopening", "error", err, "received", received, "delay", delay)
		}
		c.reopens.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// relay forwards values until the stream ends. A normal completion is
// reported as io.EOF.
func relay[T any](ctx context.Context, s *stream.Stream[T], put func(context.Context, T)) (int, error) {
	defer s.Close()

	n := 0
	for {
		v, err := s.Next(ctx)
		if err != nil {
			return n, err
		}
		n++
		put(ctx, v)
	}
}

func (c *Collector) putTicker(ctx context.Context, t model.Ticker) {
	c.tickers.Add(1)
	for _, s := range c.sinks {
		c.check(s.PutTicker(ctx, t), "ticker")
	}
}

func (c *Collector) putDepth(ctx context.Context, d model.Depth) {
	c.depths.Add(1)
	for _, s := range c.sinks {
		c.check(s.PutDepth(ctx, d), "depth")
	}
}

func (c *Collector) putCandle(ctx context.Context, k model.Candle) {
	c.candles.Add(1)
	for _, s := range c.sinks {
		c.check(s.PutCandle(ctx, k), "candle")
	}
}

func (c *Collector) check(err error, kind string) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.sinkErrors.Add(1)
	c.logger.Warn("sink rejected value", "kind", kind, "error", err)
}
