// Package model defines the exchange-neutral market data types shared by the
// adapters, the cache, the writers and the API.
//
// Conventions:
//   - Prices and sizes: decimal.Decimal, never float64
//   - Timestamps: int64 microseconds since Unix epoch
//   - Pairs: the exchange's own spelling (e.g. "btc_jpy", "tBTCUSD")
package model
