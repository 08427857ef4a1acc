// feedd collects live market data from the configured exchanges into Redis
// and TimescaleDB and serves it over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/exchange-feeds/internal/cache"
	"github.com/rickgao/exchange-feeds/internal/collector"
	"github.com/rickgao/exchange-feeds/internal/config"
	"github.com/rickgao/exchange-feeds/internal/database"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/exchange/adapters"
	"github.com/rickgao/exchange-feeds/internal/exchange/bitbank"
	"github.com/rickgao/exchange-feeds/internal/exchange/bitfinex"
	"github.com/rickgao/exchange-feeds/internal/market"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/poller"
	"github.com/rickgao/exchange-feeds/internal/server"
	"github.com/rickgao/exchange-feeds/internal/version"
	"github.com/rickgao/exchange-feeds/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/feedd.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting feedd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("feedd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("feedd stopped")
}

// stopper is a component stopped on shutdown, in reverse start order.
type stopper struct {
	name string
	stop func(ctx context.Context) error
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var stops []stopper
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i].stop(shutdownCtx); err != nil {
				logger.Warn("shutdown error", "component", stops[i].name, "error", err)
			}
		}
	}()

	registry, err := adapters.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("build exchanges: %w", err)
	}
	stops = append(stops, stopper{"exchanges", registry.Close})
	logger.Info("exchanges registered", "exchanges", registry.Names())

	feeds, targets, err := buildFeeds(cfg.Feeds)
	if err != nil {
		return err
	}

	// Sinks
	var sinks []collector.Sink
	var store *cache.Cache
	if cfg.Cache.Enabled() {
		store, err = cache.Dial(ctx, cache.Config{
			Addr:      cfg.Cache.Addr,
			Password:  cfg.Cache.Password,
			DB:        cfg.Cache.DB,
			TTL:       cfg.Cache.TTL,
			KeyPrefix: cfg.Cache.KeyPrefix,
		}, logger)
		if err != nil {
			return err
		}
		stops = append(stops, stopper{"cache", func(context.Context) error { return store.Close() }})
		sinks = append(sinks, store)
		logger.Info("cache connected", "addr", cfg.Cache.Addr)
	}

	var tickerWriter *writer.TickerWriter
	var candleWriter *writer.CandleWriter
	if cfg.Database.Timescale.Enabled() {
		tickerWriter, candleWriter, err = startWriters(ctx, cfg, logger, &stops)
		if err != nil {
			return err
		}
		sinks = append(sinks, writer.Sink{Tickers: tickerWriter, Candles: candleWriter})
	}

	// Market directory
	directory := market.NewDirectory(market.Config{
		ReconcileInterval:  cfg.Markets.ReconcileInterval,
		InitialLoadTimeout: cfg.Markets.InitialLoadTimeout,
	}, registry, logger)
	if err := directory.Start(ctx); err != nil {
		return fmt.Errorf("start market directory: %w", err)
	}
	stops = append(stops, stopper{"markets", directory.Stop})
	go logListingChanges(ctx, directory, logger)

	// Live feeds
	coll := collector.New(feeds, registry, sinks, adapters.Backoff(cfg.Connection), logger)
	if err := coll.Start(ctx); err != nil {
		return err
	}
	stops = append(stops, stopper{"collector", coll.Stop})

	// Candle history
	var poll *poller.Poller
	if len(targets) > 0 {
		poll = poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.Poller.Timeout,
			Lookback:    cfg.Poller.Lookback,
		}, registry, targets, candleHandler(store, candleWriter), logger)
		if err := poll.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
		stops = append(stops, stopper{"poller", poll.Stop})
	}

	// HTTP API
	deps := server.Deps{
		Exchanges: registry,
		Markets:   directory,
		Stats: func() map[string]any {
			return collectStats(registry, coll, poll, tickerWriter, candleWriter)
		},
	}
	if store != nil {
		deps.Store = store
	}
	srv := server.New(server.Config{Port: cfg.Server.Port, Mode: cfg.Server.Mode}, deps, logger)
	srv.Start()
	stops = append(stops, stopper{"server", srv.Shutdown})

	logger.Info("feedd running",
		"instance_id", cfg.Instance.ID,
		"feeds", len(feeds),
		"candle_series", len(targets),
		"api", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	return nil
}

func startWriters(ctx context.Context, cfg *config.Config, logger *slog.Logger, stops *[]stopper) (*writer.TickerWriter, *writer.CandleWriter, error) {
	db := cfg.Database.Timescale
	logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

	pool, err := database.Connect(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("connect timescale: %w", err)
	}
	*stops = append(*stops, stopper{"database", func(context.Context) error {
		pool.Close()
		return nil
	}})

	if db.EnsureSchema {
		if err := writer.EnsureSchema(ctx, pool, db.Hypertables); err != nil {
			return nil, nil, err
		}
	}

	wcfg := writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		FlushTimeout:  cfg.Writers.FlushTimeout,
		BufferSize:    cfg.Writers.BufferSize,
	}
	tw := writer.NewTickerWriter(wcfg, pool, logger)
	cw := writer.NewCandleWriter(wcfg, pool, logger)

	for _, w := range []interface {
		Start(context.Context) error
		Stop(context.Context) error
	}{tw, cw} {
		// Writers outlive ctx so Stop can drain them.
		if err := w.Start(context.Background()); err != nil {
			return nil, nil, err
		}
		*stops = append(*stops, stopper{"writer", w.Stop})
	}

	logger.Info("database connected")
	return tw, cw, nil
}

// candleHandler stores polled candles and caches the newest of each batch.
func candleHandler(store *cache.Cache, w *writer.CandleWriter) poller.CandleHandler {
	return poller.CandleHandlerFunc(func(candles []model.Candle) error {
		if len(candles) == 0 {
			return nil
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.PutCandle(ctx, candles[len(candles)-1]); err != nil {
				return err
			}
		}
		if w != nil {
			return w.HandleCandles(candles)
		}
		return nil
	})
}

func logListingChanges(ctx context.Context, directory *market.Directory, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-directory.Changes():
			if !ok {
				return
			}
			logger.Info("market listing changed", "exchange", c.Exchange, "pair", c.Pair, "kind", c.Kind)
		}
	}
}

func collectStats(registry *exchange.Registry, coll *collector.Collector, poll *poller.Poller, tw *writer.TickerWriter, cw *writer.CandleWriter) map[string]any {
	out := map[string]any{"collector": coll.Stats()}
	if poll != nil {
		out["poller"] = poll.Stats()
	}
	if tw != nil {
		out["ticker_writer"] = tw.Stats()
	}
	if cw != nil {
		out["candle_writer"] = cw.Stats()
	}

	for _, name := range registry.Names() {
		ex, err := registry.Get(name)
		if err != nil {
			continue
		}
		switch ex := ex.(type) {
		case *bitfinex.Exchange:
			out[name] = ex.Stats()
		case *bitbank.Exchange:
			out[name] = ex.Stats()
		}
	}
	return out
}
