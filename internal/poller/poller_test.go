package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

type fetchCall struct {
	Pair       string
	Timeframe  time.Duration
	Start, End time.Time
}

// historyExchange answers FetchCandles from a fixed bar list. Other
// Exchange methods are not used by the poller.
type historyExchange struct {
	exchange.Exchange

	name  string
	bars  []int64 // open times, µs
	delay time.Duration
	err   error

	mu    sync.Mutex
	calls []fetchCall

	inFlight, maxInFlight atomic.Int32
}

func (e *historyExchange) Info() model.ExchangeInfo {
	return model.ExchangeInfo{Name: e.name}
}

func (e *historyExchange) FetchCandles(ctx context.Context, pair string, tf time.Duration, start, end time.Time) ([]model.Candle, error) {
	current := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		old := e.maxInFlight.Load()
		if current <= old || e.maxInFlight.CompareAndSwap(old, current) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, fetchCall{Pair: pair, Timeframe: tf, Start: start, End: end})
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}

	var out []model.Candle
	for _, ts := range e.bars {
		if ts >= start.UnixMicro() && ts < end.UnixMicro() {
			out = append(out, model.Candle{Exchange: e.name, Pair: pair, Timeframe: tf, OpenTS: ts})
		}
	}
	return out, nil
}

func (e *historyExchange) Calls() []fetchCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]fetchCall(nil), e.calls...)
}

func registry(t *testing.T, exs ...exchange.Exchange) *exchange.Registry {
	t.Helper()
	reg := exchange.NewRegistry()
	for _, ex := range exs {
		if err := reg.Register(ex); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return reg
}

func TestPoller_ResumesFromNewestBar(t *testing.T) {
	now := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	h := func(hour int) int64 {
		return time.Date(2024, 1, 2, hour, 0, 0, 0, time.UTC).UnixMicro()
	}

	ex := &historyExchange{name: "bitfinex", bars: []int64{h(8), h(9), h(10)}}

	var mu sync.Mutex
	var handled [][]model.Candle
	handler := CandleHandlerFunc(func(c []model.Candle) error {
		mu.Lock()
		handled = append(handled, c)
		mu.Unlock()
		return nil
	})

	target := Target{Exchange: "bitfinex", Pair: "btcusd", Timeframe: time.Hour}
	p := New(Config{Lookback: 3 * time.Hour}, registry(t, ex), StaticTargets{target}, handler, nil)
	p.now = func() time.Time { return now }

	p.pollAll(context.Background())
	p.pollAll(context.Background())

	calls := ex.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d fetches, want 2", len(calls))
	}
	if want := time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC); !calls[0].Start.Equal(want) {
		t.Errorf("first start = %v, want lookback truncated to the bar %v", calls[0].Start, want)
	}
	if want := time.UnixMicro(h(10)); !calls[1].Start.Equal(want) {
		t.Errorf("second start = %v, want newest bar %v", calls[1].Start, want)
	}
	if !calls[0].End.Equal(now) {
		t.Errorf("end = %v, want %v", calls[0].End, now)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || len(handled[0]) != 3 || len(handled[1]) != 1 {
		t.Errorf("handled batches = %d/%v", len(handled), handled)
	}

	if st := p.Stats(); st.Cycles != 2 || st.Fetched != 4 || st.Errors != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestPoller_ErrorsDoNotStopOtherSeries(t *testing.T) {
	good := &historyExchange{name: "bitbank", bars: []int64{time.Now().Add(-time.Hour).Truncate(time.Hour).UnixMicro()}}
	bad := &historyExchange{name: "bitfinex", err: errors.New("503")}

	var count atomic.Int32
	handler := CandleHandlerFunc(func(c []model.Candle) error {
		count.Add(int32(len(c)))
		return nil
	})

	targets := StaticTargets{
		{Exchange: "bitfinex", Pair: "btcusd", Timeframe: time.Hour},
		{Exchange: "bitbank", Pair: "btc_jpy", Timeframe: time.Hour},
		{Exchange: "kraken", Pair: "xbtusd", Timeframe: time.Hour},
	}
	p := New(DefaultConfig(), registry(t, good, bad), targets, handler, nil)
	p.pollAll(context.Background())

	if count.Load() != 1 {
		t.Errorf("handled %d candles, want 1", count.Load())
	}
	if st := p.Stats(); st.Errors != 2 {
		t.Errorf("Errors = %d, want 2 (fetch failure and unknown exchange)", st.Errors)
	}
}

func TestPoller_Concurrency(t *testing.T) {
	ex := &historyExchange{name: "bitfinex", delay: 30 * time.Millisecond}

	var targets StaticTargets
	for i := 0; i < 20; i++ {
		targets = append(targets, Target{Exchange: "bitfinex", Pair: "PAIR-" + string(rune('A'+i)), Timeframe: time.Minute})
	}

	p := New(Config{Concurrency: 5}, registry(t, ex), targets, nil, nil)
	p.pollAll(context.Background())

	if got := ex.maxInFlight.Load(); got > 5 {
		t.Errorf("maxInFlight = %d, want <= 5", got)
	}
	if got := len(ex.Calls()); got != 20 {
		t.Errorf("fetches = %d, want 20", got)
	}
}

func TestPoller_StartStop(t *testing.T) {
	ex := &historyExchange{name: "bitfinex"}
	target := Target{Exchange: "bitfinex", Pair: "btcusd", Timeframe: time.Minute}

	p := New(Config{Interval: 20 * time.Millisecond}, registry(t, ex), StaticTargets{target}, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(ex.Calls()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(ex.Calls()) < 2 {
		t.Errorf("fetches = %d, want an immediate poll and at least one tick", len(ex.Calls()))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != time.Minute || cfg.Concurrency != 4 || cfg.Lookback != 24*time.Hour {
		t.Errorf("DefaultConfig = %+v", cfg)
	}
}
