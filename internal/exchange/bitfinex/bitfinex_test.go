package bitfinex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-feeds/internal/api"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// fakeBitfinex serves REST fixtures and a websocket that acknowledges
// subscriptions and then plays the scripted frames of the channel.
type fakeBitfinex struct {
	t      *testing.T
	server *httptest.Server

	rest map[string]string   // path -> body
	feed map[string][]string // "channel:symbol-or-key" -> payloads after ack

	mu       sync.Mutex
	requests []map[string]any
	nextChan int64
}

func newFakeBitfinex(t *testing.T) *fakeBitfinex {
	f := &fakeBitfinex{
		t:        t,
		rest:     make(map[string]string),
		feed:     make(map[string][]string),
		nextChan: 100,
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/2" {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			f.serveWS(conn)
			return
		}

		body, ok := f.rest[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBitfinex) serveWS(conn *websocket.Conn) {
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"info","version":2}`))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			f.t.Errorf("bad request %q", data)
			return
		}

		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.nextChan++
		chanID := f.nextChan
		f.mu.Unlock()

		switch req["event"] {
		case "subscribe":
			ack := map[string]any{"event": "subscribed", "chanId": chanID}
			for k, v := range req {
				if k != "event" && k != "len" {
					ack[k] = v
				}
			}
			ackData, _ := json.Marshal(ack)
			conn.WriteMessage(websocket.TextMessage, ackData)

			name := req["channel"].(string) + ":"
			if key, ok := req["key"].(string); ok {
				name += key
			} else {
				name += req["symbol"].(string)
			}
			for _, payload := range f.feed[name] {
				frame := `[` + jsonInt(chanID) + `,` + payload + `]`
				conn.WriteMessage(websocket.TextMessage, []byte(frame))
			}
		case "unsubscribe":
			resp, _ := json.Marshal(map[string]any{"event": "unsubscribed", "status": "OK", "chanId": req["chanId"]})
			conn.WriteMessage(websocket.TextMessage, resp)
		}
	}
}

func (f *fakeBitfinex) Requests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.requests...)
}

func (f *fakeBitfinex) exchange() *Exchange {
	cfg := DefaultConfig()
	cfg.Connection.URL = "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/2"
	rest := api.NewClient(f.server.URL, api.WithRetries(0, time.Millisecond))

	ex := New(cfg, rest, nil)
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ex.Close(ctx)
	})
	return ex
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func recv[T any](t *testing.T, s *stream.Stream[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestExchange_TickerSnapshotThenLive(t *testing.T) {
	f := newFakeBitfinex(t)
	f.rest["/v2/ticker/tBTCUSD"] = `[10645,73.9,10646,75.1,-21,-0.0019,10600,1203.5,10800,10500]`
	f.feed["ticker:tBTCUSD"] = []string{`[10650,70,10651,70,-16,-0.0015,10650.5,1204,10800,10500]`}

	ex := f.exchange()
	s := ex.Ticker(context.Background(), "btcusd")
	defer s.Close()

	first := recv(t, s)
	assert.True(t, first.Last.Equal(dec("10600")), "snapshot first, got %s", first.Last)
	assert.Equal(t, "bitfinex", first.Exchange)
	assert.Equal(t, "btcusd", first.Pair)
	assert.True(t, first.Buy.Equal(dec("10645")))
	assert.True(t, first.Sell.Equal(dec("10646")))

	live := recv(t, s)
	assert.True(t, live.Last.Equal(dec("10650.5")), "live second, got %s", live.Last)

	require.NoError(t, ex.StopTicker("btcusd"))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return len(f.Requests()) == 2 }, 2*time.Second, 5*time.Millisecond)
	reqs := f.Requests()
	assert.Equal(t, "subscribe", reqs[0]["event"])
	assert.Equal(t, "unsubscribe", reqs[1]["event"])
	assert.EqualValues(t, 101, reqs[1]["chanId"])
}

func TestExchange_TickersShareOneSubscription(t *testing.T) {
	f := newFakeBitfinex(t)
	f.rest["/v2/ticker/tETHBTC"] = `[0.05,1,0.051,1,0,0,0.0505,10,0.06,0.04]`
	f.feed["ticker:tETHBTC"] = []string{`[0.05,1,0.051,1,0,0,0.0506,10,0.06,0.04]`}

	ex := f.exchange()
	a := ex.Ticker(context.Background(), "ETHBTC")
	defer a.Close()
	b := ex.Ticker(context.Background(), "ETHBTC")
	defer b.Close()

	for _, s := range []*stream.Stream[model.Ticker]{a, b} {
		assert.True(t, recv(t, s).Last.Equal(dec("0.0505")))
		assert.True(t, recv(t, s).Last.Equal(dec("0.0506")))
	}

	assert.Len(t, f.Requests(), 1)
	assert.Equal(t, 1, ex.Stats().Subscriptions)
}

func TestExchange_DepthMaintainsBook(t *testing.T) {
	f := newFakeBitfinex(t)
	f.rest["/v2/book/tBTCUSD/P0"] = `[[99,1,3],[102,2,-1]]`
	f.feed["book:tBTCUSD"] = []string{
		`[[100,1,2],[98,2,1],[101,1,-1.5],[103,1,-4]]`,
		`[100,0,1]`,
		`[101,3,-0.5]`,
	}

	ex := f.exchange()
	s := ex.Depth(context.Background(), "btcusd")
	defer s.Close()

	rest := recv(t, s)
	bid, _ := rest.BestBid()
	assert.True(t, bid.Price.Equal(dec("99")))

	snap := recv(t, s)
	bid, _ = snap.BestBid()
	ask, _ := snap.BestAsk()
	assert.True(t, bid.Price.Equal(dec("100")))
	assert.True(t, ask.Price.Equal(dec("101")))
	assert.True(t, ask.Size.Equal(dec("1.5")), "ask sizes are positive")
	assert.Len(t, snap.Asks, 2)

	removed := recv(t, s)
	bid, _ = removed.BestBid()
	assert.True(t, bid.Price.Equal(dec("98")))

	updated := recv(t, s)
	ask, _ = updated.BestAsk()
	assert.True(t, ask.Size.Equal(dec("0.5")))

	require.NoError(t, ex.StopDepth("btcusd"))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestExchange_LastCandle(t *testing.T) {
	f := newFakeBitfinex(t)
	f.feed["candles:trade:1h:tETHBTC"] = []string{
		`[[1700003600000,0.051,0.052,0.053,0.050,20],[1700000000000,0.050,0.051,0.052,0.049,12.5]]`,
		`[1700007200000,0.052,0.0525,0.053,0.0515,3]`,
	}

	ex := f.exchange()
	s := ex.LastCandle(context.Background(), "ethbtc", time.Hour)
	defer s.Close()

	c := recv(t, s)
	assert.Equal(t, int64(1700003600000000), c.OpenTS)
	assert.True(t, c.Close.Equal(dec("0.052")))
	assert.Equal(t, time.Hour, c.Timeframe)

	c = recv(t, s)
	assert.Equal(t, int64(1700007200000000), c.OpenTS)
}

func TestExchange_LastCandleUnsupportedTimeframe(t *testing.T) {
	f := newFakeBitfinex(t)
	ex := f.exchange()

	s := ex.LastCandle(context.Background(), "ethbtc", 2*time.Minute)
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, exchange.ErrNotSupported)
}

func TestExchange_FetchCandles(t *testing.T) {
	f := newFakeBitfinex(t)
	f.rest["/v2/candles/trade:1D:tBTCUSD/hist"] = `[[1704067200000,42000,42500,43000,41500,1500.5],[1704153600000,42500,44000,44500,42400,2100]]`

	ex := f.exchange()
	start := time.UnixMilli(1704067200000)
	candles, err := ex.FetchCandles(context.Background(), "btcusd", exchange.Day, start, start.Add(2*exchange.Day))
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.True(t, candles[0].Open.Equal(dec("42000")))
	assert.True(t, candles[0].Close.Equal(dec("42500")))
	assert.True(t, candles[0].High.Equal(dec("43000")))
	assert.True(t, candles[0].Low.Equal(dec("41500")))
	assert.Equal(t, int64(1704153600000000), candles[1].OpenTS)
}

func TestExchange_Markets(t *testing.T) {
	f := newFakeBitfinex(t)
	f.rest["/v2/conf/pub:list:pair:exchange"] = `[["BTCUSD","ETHBTC","TESTBTC:TESTUSD"]]`

	ex := f.exchange()
	pairs, err := ex.Markets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"btcusd", "ethbtc", "testbtc:testusd"}, pairs)
}

func TestExchange_TickerFetchFailure(t *testing.T) {
	f := newFakeBitfinex(t)
	ex := f.exchange()

	s := ex.Ticker(context.Background(), "nopeusd")
	_, err := s.Next(context.Background())
	require.Error(t, err)

	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSymbol(t *testing.T) {
	tests := map[string]string{
		"btcusd":  "tBTCUSD",
		"BTCUSD":  "tBTCUSD",
		"tBTCUSD": "tBTCUSD",
		"trxusd":  "tTRXUSD",
	}
	for in, want := range tests {
		assert.Equal(t, want, Symbol(in), "Symbol(%q)", in)
	}
}
