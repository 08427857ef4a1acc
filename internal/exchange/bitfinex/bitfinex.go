// Package bitfinex adapts the Bitfinex v2 public API: live feeds over one
// multiplexed websocket, snapshots and history over REST.
package bitfinex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-feeds/internal/api"
	"github.com/rickgao/exchange-feeds/internal/connection"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/mux"
	"github.com/rickgao/exchange-feeds/internal/snapshot"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// Name is the registry name.
const Name = "bitfinex"

// Endpoints
const (
	DefaultWSURL   = "wss://api-pub.bitfinex.com/ws/2"
	DefaultRESTURL = "https://api-pub.bitfinex.com"
)

// candlePageLimit is the largest page the candles history endpoint returns.
const candlePageLimit = 10000

// timeframes accepted by the candles channel.
var timeframes = []string{"1m", "5m", "15m", "30m", "1h", "3h", "6h", "12h", "1D", "1W"}

// Config holds adapter settings.
type Config struct {
	BookPrecision    string   // P0..P4
	BookLength       int      // 1, 25 or 100
	Markets          []string // Overrides the REST market list when set
	FallbackLiveOnly bool     // Keep live feeds when the REST snapshot fails
	Connection       connection.Config
	Mux              mux.Config
}

// DefaultConfig returns production endpoints.
func DefaultConfig() Config {
	conn := connection.DefaultConfig()
	conn.URL = DefaultWSURL
	return Config{
		BookPrecision: "P0",
		BookLength:    25,
		Connection:    conn,
		Mux:           mux.DefaultConfig(),
	}
}

// Exchange implements exchange.Exchange for Bitfinex.
type Exchange struct {
	cfg    Config
	rest   *api.Client
	mux    *mux.Multiplexer
	logger *slog.Logger

	mu    sync.Mutex
	books map[string]*bookFeed // by pair
}

// bookFeed is the one maintained order book of a pair, shared by all Depth listeners.
type bookFeed struct {
	subject *stream.Subject[model.Depth]
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates the adapter. rest must point at the public REST API; the
// websocket is dialed on the first live feed.
func New(cfg Config, rest *api.Client, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exchange", Name)
	if cfg.Connection.URL == "" {
		cfg.Connection.URL = DefaultWSURL
	}

	codec := Codec{BookLength: cfg.BookLength}
	dial := func() connection.Transport {
		return connection.NewClient(cfg.Connection, logger)
	}

	return &Exchange{
		cfg:    cfg,
		rest:   rest,
		mux:    mux.New(codec, dial, cfg.Mux, logger),
		logger: logger,
		books:  make(map[string]*bookFeed),
	}
}

// Info describes Bitfinex.
func (e *Exchange) Info() model.ExchangeInfo {
	return model.ExchangeInfo{
		Name:     Name,
		LogoURL:  "https://www.bitfinex.com/assets/bfx-stacked.png",
		Homepage: "https://www.bitfinex.com",
		Country:  "vg",
	}
}

// Features reports every feed as supported.
func (e *Exchange) Features() model.SupportFeatures {
	return model.SupportFeatures{Ticker: true, Depth: true, Chart: true}
}

// Markets lists exchange pairs, lower case ("btcusd").
func (e *Exchange) Markets(ctx context.Context) ([]string, error) {
	if len(e.cfg.Markets) > 0 {
		return slices.Clone(e.cfg.Markets), nil
	}

	var resp [][]string
	if err := e.rest.Get(ctx, "/v2/conf/pub:list:pair:exchange", nil, &resp); err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	if len(resp) == 0 {
		return nil, nil
	}

	pairs := make([]string, 0, len(resp[0]))
	for _, p := range resp[0] {
		pairs = append(pairs, strings.ToLower(p))
	}
	return pairs, nil
}

// FetchTicker fetches the current ticker over REST.
func (e *Exchange) FetchTicker(ctx context.Context, pair string) (model.Ticker, error) {
	var raw json.RawMessage
	if err := e.rest.Get(ctx, "/v2/ticker/"+Symbol(pair), nil, &raw); err != nil {
		return model.Ticker{}, fmt.Errorf("fetch ticker %s: %w", pair, err)
	}
	return parseTicker(pair, raw, time.Now())
}

// Ticker streams the REST ticker, then live websocket tickers.
func (e *Exchange) Ticker(ctx context.Context, pair string) *stream.Stream[model.Ticker] {
	m := &snapshot.Merger[string, model.Ticker]{
		Fetch:            e.FetchTicker,
		Live:             e.liveTicker,
		FallbackLiveOnly: e.cfg.FallbackLiveOnly,
		Logger:           e.logger,
	}
	return m.Stream(ctx, pair)
}

func (e *Exchange) liveTicker(pair string) *stream.Stream[model.Ticker] {
	return stream.Map(e.mux.Subscribe(TickerKey(Symbol(pair))), func(p mux.Payload) (model.Ticker, error) {
		return parseTicker(pair, p, time.Now())
	})
}

// StopTicker unsubscribes the pair's ticker channel.
func (e *Exchange) StopTicker(pair string) error {
	return e.mux.Unsubscribe(TickerKey(Symbol(pair)))
}

// FetchDepth fetches the aggregated book over REST.
func (e *Exchange) FetchDepth(ctx context.Context, pair string) (model.Depth, error) {
	query := url.Values{}
	if e.cfg.BookLength > 0 {
		query.Set("len", strconv.Itoa(e.cfg.BookLength))
	}

	var entries []bookEntry
	path := "/v2/book/" + Symbol(pair) + "/" + e.precision()
	if err := e.rest.Get(ctx, path, query, &entries); err != nil {
		return model.Depth{}, fmt.Errorf("fetch depth %s: %w", pair, err)
	}

	b := newBook(pair)
	b.apply(entries, true)
	return b.depth(time.Now()), nil
}

// Depth streams the REST book, then the websocket-maintained book after every update.
func (e *Exchange) Depth(ctx context.Context, pair string) *stream.Stream[model.Depth] {
	m := &snapshot.Merger[string, model.Depth]{
		Fetch:            e.FetchDepth,
		Live:             e.liveDepth,
		FallbackLiveOnly: e.cfg.FallbackLiveOnly,
		Logger:           e.logger,
	}
	return m.Stream(ctx, pair)
}

func (e *Exchange) liveDepth(pair string) *stream.Stream[model.Depth] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if feed, ok := e.books[pair]; ok {
		return feed.subject.Subscribe()
	}

	feed := &bookFeed{subject: stream.NewSubject[model.Depth]()}
	e.books[pair] = feed
	src := e.mux.Subscribe(BookKey(Symbol(pair), e.precision()))
	go e.maintainBook(pair, feed, src)

	return feed.subject.Subscribe()
}

// maintainBook folds book frames into one book and publishes it after each frame.
func (e *Exchange) maintainBook(pair string, feed *bookFeed, src *stream.Stream[mux.Payload]) {
	defer src.Close()

	b := newBook(pair)
	for payload := range src.C() {
		entries, snap, err := parseBook(payload)
		if err != nil {
			e.logger.Warn("bad book frame", "pair", pair, "error", err)
			continue
		}
		b.apply(entries, snap)
		feed.subject.Next(b.depth(time.Now()))
	}

	e.mu.Lock()
	if e.books[pair] == feed {
		delete(e.books, pair)
	}
	e.mu.Unlock()

	if err := src.Err(); err != nil && !errors.Is(err, stream.ErrClosed) {
		feed.subject.Fail(err)
		return
	}
	feed.subject.Complete()
}

// StopDepth unsubscribes the pair's book channel.
func (e *Exchange) StopDepth(pair string) error {
	e.mu.Lock()
	delete(e.books, pair)
	e.mu.Unlock()

	return e.mux.Unsubscribe(BookKey(Symbol(pair), e.precision()))
}

// FetchCandles returns trade candles with open time in [start, end), oldest first.
func (e *Exchange) FetchCandles(ctx context.Context, pair string, timeframe time.Duration, start, end time.Time) ([]model.Candle, error) {
	tf, err := candleTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	path := "/v2/candles/trade:" + tf + ":" + Symbol(pair) + "/hist"
	var out []model.Candle

	for from := start; from.Before(end); {
		query := url.Values{
			"start": {strconv.FormatInt(from.UnixMilli(), 10)},
			"end":   {strconv.FormatInt(end.UnixMilli()-1, 10)},
			"sort":  {"1"},
			"limit": {strconv.Itoa(candlePageLimit)},
		}

		var rows [][]decimal.Decimal
		if err := e.rest.Get(ctx, path, query, &rows); err != nil {
			return nil, fmt.Errorf("fetch candles %s %s: %w", pair, tf, err)
		}

		for _, row := range rows {
			c, err := parseCandleFields(row, pair, timeframe)
			if err != nil {
				return nil, fmt.Errorf("fetch candles %s %s: %w", pair, tf, err)
			}
			out = append(out, c)
		}

		if len(rows) < candlePageLimit {
			break
		}
		last := out[len(out)-1]
		from = time.UnixMicro(last.CloseTS())
	}

	return out, nil
}

// LastCandle streams the newest candle of the pair after every update.
func (e *Exchange) LastCandle(ctx context.Context, pair string, timeframe time.Duration) *stream.Stream[model.Candle] {
	tf, err := candleTimeframe(timeframe)
	if err != nil {
		src, s := stream.Pipe[model.Candle]()
		src.Finish(err)
		return s
	}

	live := e.mux.Subscribe(CandleKey(Symbol(pair), tf))
	return stream.Bind(ctx, stream.FlatMap(live, func(p mux.Payload) ([]model.Candle, error) {
		candles, err := parseCandles(p, pair, timeframe)
		if err != nil || len(candles) == 0 {
			return nil, err
		}
		return candles[len(candles)-1:], nil
	}))
}

// Stats returns the websocket multiplexer counters.
func (e *Exchange) Stats() mux.Stats {
	return e.mux.Stats()
}

// Close ends every live feed and closes the websocket.
func (e *Exchange) Close(ctx context.Context) error {
	return e.mux.Close(ctx)
}

func (e *Exchange) precision() string {
	if e.cfg.BookPrecision == "" {
		return "P0"
	}
	return e.cfg.BookPrecision
}

func candleTimeframe(d time.Duration) (string, error) {
	tf := exchange.FormatTimeframe(d)
	if !slices.Contains(timeframes, tf) {
		return "", fmt.Errorf("%s candles %s: %w", Name, tf, exchange.ErrNotSupported)
	}
	return tf, nil
}
