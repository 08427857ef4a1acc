// Package bitbank adapts the bitbank.cc public API: snapshots and history
// over REST, live ticker and depth over PubNub.
package bitbank

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/pubnub"
	"github.com/rickgao/exchange-feeds/internal/snapshot"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// Name is the registry name.
const Name = "bitbank"

// Endpoints
const (
	DefaultRESTURL      = "https://public.bitbank.cc"
	DefaultSubscribeKey = "sub-c-e12e9174-dd60-11e6-806b-02ee2ddab7fe"
)

// DefaultMarkets are the pairs listed when Config.Markets is empty.
var DefaultMarkets = []string{
	"btc_jpy", "xrp_jpy", "eth_btc", "ltc_btc",
	"mona_jpy", "mona_btc", "bcc_jpy", "bcc_btc",
}

// candleTypes maps bar widths to candlestick type names.
var candleTypes = map[time.Duration]string{
	time.Minute:      "1min",
	5 * time.Minute:  "5min",
	15 * time.Minute: "15min",
	30 * time.Minute: "30min",
	time.Hour:        "1hour",
	4 * time.Hour:    "4hour",
	8 * time.Hour:    "8hour",
	12 * time.Hour:   "12hour",
	exchange.Day:     "1day",
	7 * exchange.Day: "1week",
}

// Config holds adapter settings.
type Config struct {
	RESTURL          string
	Timeout          time.Duration
	Markets          []string
	FallbackLiveOnly bool
	PubNub           pubnub.Config
}

// DefaultConfig returns production endpoints.
func DefaultConfig() Config {
	return Config{
		RESTURL: DefaultRESTURL,
		Timeout: 10 * time.Second,
		PubNub:  pubnub.DefaultConfig(DefaultSubscribeKey),
	}
}

// Exchange implements exchange.Exchange for bitbank.
type Exchange struct {
	cfg    Config
	rest   *resty.Client
	pubnub *pubnub.Client
	logger *slog.Logger
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates the adapter. PubNub polling starts on the first live feed.
func New(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exchange", Name)

	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PubNub.SubscribeKey == "" {
		cfg.PubNub.SubscribeKey = DefaultSubscribeKey
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RESTURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Exchange{
		cfg:    cfg,
		rest:   rest,
		pubnub: pubnub.NewClient(cfg.PubNub, logger),
		logger: logger,
	}
}

// Info describes bitbank.
func (e *Exchange) Info() model.ExchangeInfo {
	return model.ExchangeInfo{
		Name:     Name,
		LogoURL:  "https://bitbank.cc/assets/images/bitbank_logo.svg",
		Homepage: "https://bitbank.cc",
		Country:  "jp",
	}
}

// Features reports ticker, depth and chart history. LastCandle is not
// streamed.
func (e *Exchange) Features() model.SupportFeatures {
	return model.SupportFeatures{Ticker: true, Depth: true, Chart: true}
}

// Markets returns the configured pairs, or the default list.
func (e *Exchange) Markets(context.Context) ([]string, error) {
	if len(e.cfg.Markets) > 0 {
		return slices.Clone(e.cfg.Markets), nil
	}
	return slices.Clone(DefaultMarkets), nil
}

// get fetches path and returns the data of the response envelope.
func get[T any](ctx context.Context, e *Exchange, path string) (T, error) {
	var ok response[T]
	var failed response[errorData]

	resp, err := e.rest.R().
		SetContext(ctx).
		SetResult(&ok).
		SetError(&failed).
		Get(path)
	if err != nil {
		return ok.Data, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.IsError() {
		if failed.Data.Code != 0 {
			return ok.Data, fmt.Errorf("get %s: status %d: %w", path, resp.StatusCode(), &Error{Code: failed.Data.Code})
		}
		return ok.Data, fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.Body())
	}
	if ok.Success != 1 {
		// Some failures come back as 200 with success=0.
		if err := json.Unmarshal(resp.Body(), &failed); err == nil && failed.Data.Code != 0 {
			return ok.Data, fmt.Errorf("get %s: %w", path, &Error{Code: failed.Data.Code})
		}
		return ok.Data, fmt.Errorf("get %s: unsuccessful response", path)
	}
	return ok.Data, nil
}

// FetchTicker fetches the current ticker over REST.
func (e *Exchange) FetchTicker(ctx context.Context, pair string) (model.Ticker, error) {
	raw, err := get[rawTicker](ctx, e, "/"+pair+"/ticker")
	if err != nil {
		return model.Ticker{}, fmt.Errorf("fetch ticker %s: %w", pair, err)
	}
	return raw.ticker(pair, time.Now()), nil
}

// Ticker streams the REST ticker, then PubNub tickers.
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
	return stream.FlatMap(e.pubnub.Subscribe(tickerChannel(pair)), func(msg json.RawMessage) ([]model.Ticker, error) {
		raw, err := decodeMessage[rawTicker](msg)
		if err != nil {
			e.logger.Warn("bad ticker message", "pair", pair, "error", err)
			return nil, nil
		}
		return []model.Ticker{raw.ticker(pair, time.Now())}, nil
	})
}

// StopTicker leaves the pair's ticker channel.
func (e *Exchange) StopTicker(pair string) error {
	return e.pubnub.Unsubscribe(context.Background(), tickerChannel(pair))
}

// FetchDepth fetches the order book over REST.
func (e *Exchange) FetchDepth(ctx context.Context, pair string) (model.Depth, error) {
	raw, err := get[rawDepth](ctx, e, "/"+pair+"/depth")
	if err != nil {
		return model.Depth{}, fmt.Errorf("fetch depth %s: %w", pair, err)
	}
	return raw.depth(pair, time.Now()), nil
}

// Depth streams the REST book, then PubNub book snapshots.
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
	return stream.FlatMap(e.pubnub.Subscribe(depthChannel(pair)), func(msg json.RawMessage) ([]model.Depth, error) {
		raw, err := decodeMessage[rawDepth](msg)
		if err != nil {
			e.logger.Warn("bad depth message", "pair", pair, "error", err)
			return nil, nil
		}
		return []model.Depth{raw.depth(pair, time.Now())}, nil
	})
}

// StopDepth leaves the pair's depth channel.
func (e *Exchange) StopDepth(pair string) error {
	return e.pubnub.Unsubscribe(context.Background(), depthChannel(pair))
}

// FetchCandles returns candles with open time in [start, end), oldest first.
// History is served per UTC day for intraday bars and per year from 4 hours
// up, so the range is walked one bucket at a time.
func (e *Exchange) FetchCandles(ctx context.Context, pair string, timeframe time.Duration, start, end time.Time) ([]model.Candle, error) {
	typ, ok := candleTypes[timeframe]
	if !ok {
		return nil, fmt.Errorf("%s candles %s: %w", Name, exchange.FormatTimeframe(timeframe), exchange.ErrNotSupported)
	}

	from, to := start.UnixMilli(), end.UnixMilli()
	var out []model.Candle

	for _, bucket := range buckets(timeframe, start, end) {
		path := "/" + pair + "/candlestick/" + typ + "/" + bucket
		raw, err := get[rawCandles](ctx, e, path)
		if err != nil {
			return nil, fmt.Errorf("fetch candles %s %s: %w", pair, typ, err)
		}

		for _, cs := range raw.Candlestick {
			for _, row := range cs.OHLCV {
				if row.Timestamp < from || row.Timestamp >= to {
					continue
				}
				out = append(out, row.candle(pair, timeframe))
			}
		}
	}

	slices.SortFunc(out, func(a, b model.Candle) int {
		return cmp.Compare(a.OpenTS, b.OpenTS)
	})
	return slices.CompactFunc(out, func(a, b model.Candle) bool {
		return a.OpenTS == b.OpenTS
	}), nil
}

// buckets lists the YYYYMMDD or YYYY path segments covering [start, end).
func buckets(timeframe time.Duration, start, end time.Time) []string {
	if !start.Before(end) {
		return nil
	}
	start, end = start.UTC(), end.UTC()

	var out []string
	if timeframe >= 4*time.Hour {
		for y := start.Year(); y <= end.Add(-time.Millisecond).Year(); y++ {
			out = append(out, fmt.Sprintf("%04d", y))
		}
		return out
	}

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		out = append(out, day.Format("20060102"))
	}
	return out
}

// LastCandle is not streamed by bitbank.
func (e *Exchange) LastCandle(context.Context, string, time.Duration) *stream.Stream[model.Candle] {
	return exchange.Unsupported[model.Candle](Name, "last candle")
}

// Stats returns the PubNub client counters.
func (e *Exchange) Stats() pubnub.Stats {
	return e.pubnub.Stats()
}

// Close leaves every channel and stops polling.
func (e *Exchange) Close(ctx context.Context) error {
	return e.pubnub.Close(ctx)
}

func tickerChannel(pair string) string { return "ticker_" + pair }
func depthChannel(pair string) string  { return "depth_" + pair }
