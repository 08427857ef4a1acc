package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Exchange Metadata
// -----------------------------------------------------------------------------

// ExchangeInfo describes an exchange.
type ExchangeInfo struct {
	Name     string `json:"name"` // Registry name (e.g., "bitbank")
	LogoURL  string `json:"logo_url"`
	Homepage string `json:"homepage"`
	Country  string `json:"country"` // ISO 3166-1 alpha-2, lower case
}

// SupportFeatures lists the feeds an exchange adapter implements.
type SupportFeatures struct {
	Ticker bool `json:"ticker"`
	Depth  bool `json:"depth"`
	Chart  bool `json:"chart"`
}

// -----------------------------------------------------------------------------
// Market Data
// -----------------------------------------------------------------------------

// Ticker is a price/volume snapshot of one pair.
type Ticker struct {
	Exchange   string          `json:"exchange"`    // Source exchange
	Pair       string          `json:"pair"`        // Exchange pair (e.g., "btc_jpy")
	Sell       decimal.Decimal `json:"sell"`        // Best ask
	Buy        decimal.Decimal `json:"buy"`         // Best bid
	Low        decimal.Decimal `json:"low"`         // 24h low
	High       decimal.Decimal `json:"high"`        // 24h high
	Last       decimal.Decimal `json:"last"`        // Last trade price
	Volume     decimal.Decimal `json:"volume"`      // 24h base volume
	ExchangeTS int64           `json:"exchange_ts"` // Exchange timestamp (µs since epoch)
	ReceivedAt int64           `json:"received_at"` // Local receive timestamp (µs since epoch)
}

// Spread returns Sell - Buy.
func (t Ticker) Spread() decimal.Decimal {
	return t.Sell.Sub(t.Buy)
}

// PriceLevel is one aggregated order book level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Depth is an order book snapshot. Bids are sorted best (highest) first,
// asks best (lowest) first.
type Depth struct {
	Exchange   string       `json:"exchange"`
	Pair       string       `json:"pair"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	ExchangeTS int64        `json:"exchange_ts"` // Exchange timestamp (µs since epoch), 0 if not provided
	ReceivedAt int64        `json:"received_at"` // Local receive timestamp (µs since epoch)
}

// BestBid returns the highest bid, false if the side is empty.
func (d Depth) BestBid() (PriceLevel, bool) {
	if len(d.Bids) == 0 {
		return PriceLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the lowest ask, false if the side is empty.
func (d Depth) BestAsk() (PriceLevel, bool) {
	if len(d.Asks) == 0 {
		return PriceLevel{}, false
	}
	return d.Asks[0], true
}

// Candle is one OHLCV bar.
type Candle struct {
	Exchange  string          `json:"exchange"`
	Pair      string          `json:"pair"`
	Timeframe time.Duration   `json:"timeframe"` // Bar width (e.g., time.Hour)
	OpenTS    int64           `json:"open_ts"`   // Bar open time (µs since epoch)
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// CloseTS returns the end of the bar (exclusive, µs since epoch).
func (c Candle) CloseTS() int64 {
	return c.OpenTS + c.Timeframe.Microseconds()
}

// Micros converts t to microseconds since epoch.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromMillis converts a millisecond epoch timestamp to microseconds.
func FromMillis(ms int64) int64 {
	return ms * 1000
}
