// Package poller implements the candle history poller.
//
// The poller:
//   - Fetches candles of every configured series on an interval (default 1m)
//   - Starts a new series Lookback in the past, then resumes from its newest bar
//   - Bounds concurrent REST requests across exchanges
package poller
