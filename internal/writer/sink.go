package writer

import (
	"context"

	"github.com/rickgao/exchange-feeds/internal/model"
)

// Sink feeds live values into the writers. Nil writers are skipped; books
// are not persisted.
type Sink struct {
	Tickers *TickerWriter
	Candles *CandleWriter
}

// PutTicker queues t on the ticker writer.
func (s Sink) PutTicker(_ context.Context, t model.Ticker) error {
	if s.Tickers == nil {
		return nil
	}
	return s.Tickers.HandleTicker(t)
}

// PutDepth is a no-op.
func (s Sink) PutDepth(context.Context, model.Depth) error {
	return nil
}

// PutCandle queues c on the candle writer.
func (s Sink) PutCandle(_ context.Context, c model.Candle) error {
	if s.Candles == nil {
		return nil
	}
	return s.Candles.HandleCandles([]model.Candle{c})
}
