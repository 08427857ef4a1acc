package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-feeds/internal/model"
)

// Symbol converts a pair ("btcusd", "BTCUSD", "tBTCUSD") to a trading symbol.
func Symbol(pair string) string {
	if strings.HasPrefix(pair, "t") && len(pair) > 1 && pair[1:] == strings.ToUpper(pair[1:]) {
		return pair
	}
	return "t" + strings.ToUpper(pair)
}

// ticker field positions
const (
	tickerBid = iota
	tickerBidSize
	tickerAsk
	tickerAskSize
	tickerDailyChange
	tickerDailyChangeRel
	tickerLast
	tickerVolume
	tickerHigh
	tickerLow
	tickerFields
)

func parseTicker(pair string, raw []byte, receivedAt time.Time) (model.Ticker, error) {
	var f []decimal.Decimal
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(f) < tickerFields {
		return model.Ticker{}, fmt.Errorf("decode ticker: %d fields, want %d", len(f), tickerFields)
	}

	return model.Ticker{
		Exchange:   Name,
		Pair:       pair,
		Sell:       f[tickerAsk],
		Buy:        f[tickerBid],
		Low:        f[tickerLow],
		High:       f[tickerHigh],
		Last:       f[tickerLast],
		Volume:     f[tickerVolume],
		ReceivedAt: model.Micros(receivedAt),
	}, nil
}

// bookEntry is [PRICE, COUNT, AMOUNT]. Positive amounts are bids.
type bookEntry struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

func (e *bookEntry) UnmarshalJSON(data []byte) error {
	var f []decimal.Decimal
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if len(f) < 3 {
		return fmt.Errorf("book entry: %d fields", len(f))
	}
	e.Price = f[0]
	e.Count = f[1].IntPart()
	e.Amount = f[2]
	return nil
}

// parseBook returns the entries of a snapshot ([[..],[..]]) or a single
// update ([..]), and whether it was a snapshot.
func parseBook(raw []byte) ([]bookEntry, bool, error) {
	if isEmpty(raw) {
		return nil, true, nil
	}
	if isNested(raw) {
		var entries []bookEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, false, fmt.Errorf("decode book snapshot: %w", err)
		}
		return entries, true, nil
	}

	var e bookEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode book update: %w", err)
	}
	return []bookEntry{e}, false, nil
}

// book applies Bitfinex book frames to an aggregated price-level book.
type book struct {
	pair string
	bids map[string]model.PriceLevel
	asks map[string]model.PriceLevel
}

func newBook(pair string) *book {
	return &book{
		pair: pair,
		bids: make(map[string]model.PriceLevel),
		asks: make(map[string]model.PriceLevel),
	}
}

// apply folds entries into the book. A snapshot replaces it.
func (b *book) apply(entries []bookEntry, snapshot bool) {
	if snapshot {
		clear(b.bids)
		clear(b.asks)
	}

	for _, e := range entries {
		price := e.Price.String()
		if e.Count == 0 {
			// Amount 1 removes a bid, -1 an ask.
			if e.Amount.IsPositive() {
				delete(b.bids, price)
			} else {
				delete(b.asks, price)
			}
			continue
		}

		if e.Amount.IsPositive() {
			b.bids[price] = model.PriceLevel{Price: e.Price, Size: e.Amount}
		} else {
			b.asks[price] = model.PriceLevel{Price: e.Price, Size: e.Amount.Neg()}
		}
	}
}

// seed replaces the book with a REST snapshot.
func (b *book) seed(d model.Depth) {
	clear(b.bids)
	clear(b.asks)
	for _, l := range d.Bids {
		b.bids[l.Price.String()] = l
	}
	for _, l := range d.Asks {
		b.asks[l.Price.String()] = l
	}
}

func (b *book) depth(receivedAt time.Time) model.Depth {
	d := model.Depth{
		Exchange:   Name,
		Pair:       b.pair,
		Bids:       levels(b.bids),
		Asks:       levels(b.asks),
		ReceivedAt: model.Micros(receivedAt),
	}
	slices.SortFunc(d.Bids, func(a, b model.PriceLevel) int { return b.Price.Cmp(a.Price) })
	slices.SortFunc(d.Asks, func(a, b model.PriceLevel) int { return a.Price.Cmp(b.Price) })
	return d
}

func levels(m map[string]model.PriceLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

// candle is [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
func parseCandleFields(f []decimal.Decimal, pair string, timeframe time.Duration) (model.Candle, error) {
	if len(f) < 6 {
		return model.Candle{}, fmt.Errorf("candle: %d fields", len(f))
	}
	return model.Candle{
		Exchange:  Name,
		Pair:      pair,
		Timeframe: timeframe,
		OpenTS:    model.FromMillis(f[0].IntPart()),
		Open:      f[1],
		Close:     f[2],
		High:      f[3],
		Low:       f[4],
		Volume:    f[5],
	}, nil
}

// parseCandles decodes a snapshot or a single update, oldest first.
func parseCandles(raw []byte, pair string, timeframe time.Duration) ([]model.Candle, error) {
	var rows [][]decimal.Decimal
	if isEmpty(raw) {
		return nil, nil
	}
	if isNested(raw) {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode candles: %w", err)
		}
	} else {
		var row []decimal.Decimal
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode candle: %w", err)
		}
		rows = [][]decimal.Decimal{row}
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandleFields(row, pair, timeframe)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	slices.SortFunc(candles, func(a, b model.Candle) int {
		switch {
		case a.OpenTS < b.OpenTS:
			return -1
		case a.OpenTS > b.OpenTS:
			return 1
		}
		return 0
	})
	return candles, nil
}

func isEmpty(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == "[]"
}

// isNested reports whether raw is an array whose first element is an array.
func isNested(raw []byte) bool {
	for i := 1; i < len(raw); i++ {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return raw[0] == '['
		default:
			return false
		}
	}
	return false
}
