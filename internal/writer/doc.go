// Package writer implements batch writers for market data.
//
// Writers:
//   - Ticker writer (TimescaleDB), append-only
//   - Candle writer (TimescaleDB), upserts the still-open bar
//
// Rows are queued without blocking the feed and inserted with pgx batches.
// Prices are stored as NUMERIC, timestamps as microseconds since epoch.
package writer
