// Package exchange defines the uniform market data interface implemented by
// every exchange adapter, and a registry to look adapters up by name.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/exchange-feeds/internal/model"
	"github.com/rickgao/exchange-feeds/internal/stream"
)

// Errors
var (
	ErrNotSupported    = errors.New("feature not supported by exchange")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrDuplicate       = errors.New("exchange already registered")
)

// Exchange is one exchange's market data surface.
//
// Stream methods never block; a feed the adapter cannot provide is returned
// already ended with ErrNotSupported. Stop methods end every listener of the
// pair's feed.
type Exchange interface {
	Info() model.ExchangeInfo
	Features() model.SupportFeatures
	Markets(ctx context.Context) ([]string, error)

	FetchTicker(ctx context.Context, pair string) (model.Ticker, error)
	Ticker(ctx context.Context, pair string) *stream.Stream[model.Ticker]
	StopTicker(pair string) error

	FetchDepth(ctx context.Context, pair string) (model.Depth, error)
	Depth(ctx context.Context, pair string) *stream.Stream[model.Depth]
	StopDepth(pair string) error

	FetchCandles(ctx context.Context, pair string, timeframe time.Duration, start, end time.Time) ([]model.Candle, error)
	LastCandle(ctx context.Context, pair string, timeframe time.Duration) *stream.Stream[model.Candle]

	Close(ctx context.Context) error
}

// Unsupported returns a stream that has already ended with ErrNotSupported.
func Unsupported[T any](exchange, feed string) *stream.Stream[T] {
	src, s := stream.Pipe[T]()
	src.Finish(fmt.Errorf("%s %s: %w", exchange, feed, ErrNotSupported))
	return s
}
