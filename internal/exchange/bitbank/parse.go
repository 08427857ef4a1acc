package bitbank

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-feeds/internal/model"
)

// response is the envelope of every public endpoint and PubNub message.
type response[T any] struct {
	Success int `json:"success"`
	Data    T   `json:"data"`
}

// errorData is Data of a failed response.
type errorData struct {
	Code int `json:"code"`
}

// Error is a failed bitbank response. Codes are documented in the public
// API error code list (10000 = URL not found, 10009 = pair not found, ...).
type Error struct {
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("bitbank error code %d", e.Code)
}

type rawTicker struct {
	Sell      decimal.Decimal `json:"sell"`
	Buy       decimal.Decimal `json:"buy"`
	Low       decimal.Decimal `json:"low"`
	High      decimal.Decimal `json:"high"`
	Last      decimal.Decimal `json:"last"`
	Vol       decimal.Decimal `json:"vol"`
	Timestamp int64           `json:"timestamp"` // ms
}

func (r rawTicker) ticker(pair string, receivedAt time.Time) model.Ticker {
	return model.Ticker{
		Exchange:   Name,
		Pair:       pair,
		Sell:       r.Sell,
		Buy:        r.Buy,
		Low:        r.Low,
		High:       r.High,
		Last:       r.Last,
		Volume:     r.Vol,
		ExchangeTS: model.FromMillis(r.Timestamp),
		ReceivedAt: model.Micros(receivedAt),
	}
}

type rawDepth struct {
	Asks      [][2]decimal.Decimal `json:"asks"`
	Bids      [][2]decimal.Decimal `json:"bids"`
	Timestamp int64                `json:"timestamp"`
}

func (r rawDepth) depth(pair string, receivedAt time.Time) model.Depth {
	return model.Depth{
		Exchange:   Name,
		Pair:       pair,
		Bids:       levels(r.Bids),
		Asks:       levels(r.Asks),
		ExchangeTS: model.FromMillis(r.Timestamp),
		ReceivedAt: model.Micros(receivedAt),
	}
}

func levels(rows [][2]decimal.Decimal) []model.PriceLevel {
	out := make([]model.PriceLevel, len(rows))
	for i, r := range rows {
		out[i] = model.PriceLevel{Price: r[0], Size: r[1]}
	}
	return out
}

type rawCandles struct {
	Candlestick []struct {
		Type  string  `json:"type"`
		OHLCV []ohlcv `json:"ohlcv"`
	} `json:"candlestick"`
}

// ohlcv is one candlestick row: ["open","high","low","close","volume",unixMillis].
type ohlcv struct {
	Open, High, Low, Close, Volume decimal.Decimal
	Timestamp                      int64
}

func (o *ohlcv) UnmarshalJSON(data []byte) error {
	var f []json.RawMessage
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if len(f) < 6 {
		return fmt.Errorf("ohlcv row has %d fields, want 6", len(f))
	}

	for i, d := range []*decimal.Decimal{&o.Open, &o.High, &o.Low, &o.Close, &o.Volume} {
		if err := d.UnmarshalJSON(f[i]); err != nil {
			return fmt.Errorf("ohlcv field %d: %w", i, err)
		}
	}
	return json.Unmarshal(f[5], &o.Timestamp)
}

func (o ohlcv) candle(pair string, timeframe time.Duration) model.Candle {
	return model.Candle{
		Exchange:  Name,
		Pair:      pair,
		Timeframe: timeframe,
		OpenTS:    model.FromMillis(o.Timestamp),
		Open:      o.Open,
		High:      o.High,
		Low:       o.Low,
		Close:     o.Close,
		Volume:    o.Volume,
	}
}

// decodeMessage unwraps a PubNub message ({"data": ...}).
func decodeMessage[T any](raw []byte) (T, error) {
	var msg response[T]
	if err := json.Unmarshal(raw, &msg); err != nil {
		var zero T
		return zero, err
	}
	return msg.Data, nil
}
