package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

// Target is one candle series to poll.
type Target struct {
	Exchange  string
	Pair      string
	Timeframe time.Duration
}

// TargetSource provides the series to poll.
type TargetSource interface {
	Targets() []Target
}

// StaticTargets is a fixed TargetSource.
type StaticTargets []Target

func (s StaticTargets) Targets() []Target { return s }

// Exchanges resolves adapters by name. *exchange.Registry satisfies it.
type Exchanges interface {
	Get(name string) (exchange.Exchange, error)
}

// CandleHandler receives fetched candles, oldest first.
type CandleHandler interface {
	HandleCandles(candles []model.Candle) error
}

// CandleHandlerFunc is a function adapter for CandleHandler.
type CandleHandlerFunc func([]model.Candle) error

func (f CandleHandlerFunc) HandleCandles(c []model.Candle) error {
	return f(c)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 30s)
	Lookback    time.Duration // History fetched on the first poll of a series (default: 24h)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     30 * time.Second,
		Lookback:    24 * time.Hour,
	}
}

// Stats are poller counters.
type Stats struct {
	Cycles  int64
	Fetched int64 // Candles handed to the handler
	Errors  int64
}

// Poller periodically fetches candle history via REST and resumes every
// series from its newest known bar.
type Poller struct {
	cfg       Config
	exchanges Exchanges
	targets   TargetSource
	handler   CandleHandler
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cursors map[Target]time.Time // next poll start per series

	cycles  atomic.Int64
	fetched atomic.Int64
	errors  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, exchanges Exchanges, targets TargetSource, handler CandleHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}

	return &Poller{
		cfg:       cfg,
		exchanges: exchanges,
		targets:   targets,
		handler:   handler,
		logger:    logger.With("component", "candle_poller"),
		now:       time.Now,
		cursors:   make(map[Target]time.Time),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("candle poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("candle poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Fetched: p.fetched.Load(),
		Errors:  p.errors.Load(),
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(p.ctx)
		}
	}
}

// pollAll fetches every series with bounded concurrency. A failing series
// does not stop the others.
func (p *Poller) pollAll(ctx context.Context) {
	start := time.Now()
	p.cycles.Add(1)

	targets := p.targets.Targets()
	if len(targets) == 0 {
		p.logger.Debug("no candle series to poll")
		return
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	var fetched, failed atomic.Int64

	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := p.pollTarget(ctx, t)
			if err != nil {
				p.logger.Warn("failed to poll candles",
					"exchange", t.Exchange,
					"pair", t.Pair,
					"timeframe", exchange.FormatTimeframe(t.Timeframe),
					"err", err,
				)
				failed.Add(1)
				return nil
			}
			fetched.Add(int64(n))
			return nil
		})
	}
	g.Wait()

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())

	p.logger.Info("poll cycle complete",
		"series", len(targets),
		"candles", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollTarget fetches one series from its cursor up to now.
func (p *Poller) pollTarget(ctx context.Context, t Target) (int, error) {
	ex, err := p.exchanges.Get(t.Exchange)
	if err != nil {
		return 0, err
	}

	now := p.now()
	p.mu.Lock()
	from, ok := p.cursors[t]
	p.mu.Unlock()
	if !ok {
		from = now.Add(-p.cfg.Lookback).Truncate(t.Timeframe)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	candles, err := ex.FetchCandles(ctx, t.Pair, t.Timeframe, from, now)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}

	if p.handler != nil {
		if err := p.handler.HandleCandles(candles); err != nil {
			return 0, err
		}
	}

	// Resume from the newest bar; it may still be open and is fetched again.
	last := candles[len(candles)-1]
	p.mu.Lock()
	p.cursors[t] = time.UnixMicro(last.OpenTS)
	p.mu.Unlock()

	return len(candles), nil
}
