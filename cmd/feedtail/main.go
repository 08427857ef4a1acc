// feedtail prints one merged feed (REST snapshot, then live updates) to the
// console.
//
// Usage:
//
//	go run ./cmd/feedtail -exchange bitbank -pair btc_jpy -feed ticker
//	go run ./cmd/feedtail -exchange bitfinex -pair btcusd -feed candle -timeframe 1m
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/exchange-feeds/internal/config"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/exchange/adapters"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	exchangeName := flag.String("exchange", "bitbank", "exchange name")
	pair := flag.String("pair", "btc_jpy", "pair in the exchange's spelling")
	feed := flag.String("feed", "ticker", "ticker, depth or candle")
	timeframe := flag.String("timeframe", "1m", "candle timeframe")
	levels := flag.Int("levels", 5, "book levels to print")
	verbose := flag.Bool("verbose", false, "print full JSON and debug logs")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadWithDefaults(*configPath); err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	registry, err := adapters.NewRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to create exchanges", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		registry.Close(closeCtx)
	}()

	ex, err := registry.Get(*exchangeName)
	if err != nil {
		logger.Error("unknown exchange", "error", err, "available", registry.Names())
		os.Exit(1)
	}

	p := exchange.NormalizePair(*pair)
	out := printer{verbose: *verbose, levels: *levels}

	switch *feed {
	case "ticker":
		err = tail(ctx, ex.Ticker(ctx, p), out.ticker)
	case "depth":
		err = tail(ctx, ex.Depth(ctx, p), out.depth)
	case "candle":
		tf, perr := exchange.ParseTimeframe(*timeframe)
		if perr != nil {
			logger.Error("invalid timeframe", "error", perr)
			os.Exit(1)
		}
		err = tail(ctx, ex.LastCandle(ctx, p, tf), out.candle)
	default:
		logger.Error("unknown feed", "feed", *feed)
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("feed ended", "error", err)
		os.Exit(1)
	}
}

// tail prints values until the stream ends or ctx is cancelled.
func tail[T any](ctx context.Context, s *stream.Stream[T], show func(T)) error {
	defer s.Close()
	for {
		v, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		show(v)
	}
}

type printer struct {
	verbose bool
	levels  int
}

func (p printer) json(v any) bool {
	if !p.verbose {
		return false
	}
	data, _ := json.Marshal(v)
	fmt.Println(string(data))
	return true
}

func stamp(micros int64) string {
	if micros == 0 {
		return "-"
	}
	return time.UnixMicro(micros).Format("15:04:05.000")
}

func (p printer) ticker(t model.Ticker) {
	if p.json(t) {
		return
	}
	fmt.Printf("[%s] %s %s last=%s bid=%s ask=%s spread=%s vol=%s\n",
		stamp(t.ReceivedAt), t.Exchange, t.Pair, t.Last, t.Buy, t.Sell, t.Spread(), t.Volume)
}

func (p printer) depth(d model.Depth) {
	if p.json(d) {
		return
	}
	fmt.Printf("[%s] %s %s bids=%d asks=%d\n", stamp(d.ReceivedAt), d.Exchange, d.Pair, len(d.Bids), len(d.Asks))
	for i := 0; i < p.levels && (i < len(d.Bids) || i < len(d.Asks)); i++ {
		var bid, ask string
		if i < len(d.Bids) {
			bid = d.Bids[i].Size.String() + " @ " + d.Bids[i].Price.String()
		}
		if i < len(d.Asks) {
			ask = d.Asks[i].Price.String() + " x " + d.Asks[i].Size.String()
		}
		fmt.Printf("  %30s | %-30s\n", bid, ask)
	}
}

func (p printer) candle(c model.Candle) {
	if p.json(c) {
		return
	}
	fmt.Printf("[%s] %s %s %s O=%s H=%s L=%s C=%s V=%s\n",
		stamp(c.OpenTS), c.Exchange, c.Pair, exchange.FormatTimeframe(c.Timeframe),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}
