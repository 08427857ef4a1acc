package writer

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

// candleRow is one row of the candles table.
type candleRow struct {
	Exchange  string
	Pair      string
	Timeframe string
	OpenTs    int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// CandleWriter upserts candles into the candles table. A bar seen again
// (still open, or polled twice) replaces the stored one.
type CandleWriter struct {
	*batcher[candleRow]
}

// NewCandleWriter creates a new CandleWriter.
func NewCandleWriter(cfg WriterConfig, db DB, logger *slog.Logger) *CandleWriter {
	w := &CandleWriter{batcher: newBatcher[candleRow]("candle", cfg, db, logger)}
	w.insert = w.batchUpsert
	return w
}

// Write queues c. It never blocks; returns false after Stop.
func (w *CandleWriter) Write(c model.Candle) bool {
	return w.enqueue(w.transform(c))
}

// HandleCandles queues every candle; it satisfies poller.CandleHandler.
func (w *CandleWriter) HandleCandles(candles []model.Candle) error {
	for _, c := range candles {
		if !w.Write(c) {
			return errWriterStopped
		}
	}
	return nil
}

func (w *CandleWriter) transform(c model.Candle) candleRow {
	return candleRow{
		Exchange:  c.Exchange,
		Pair:      c.Pair,
		Timeframe: exchange.FormatTimeframe(c.Timeframe),
		OpenTs:    c.OpenTS,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

func (w *CandleWriter) batchUpsert(ctx context.Context, rows []candleRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO candles (exchange, pair, timeframe, open_ts, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (exchange, pair, timeframe, open_ts) DO UPDATE
			SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			    close = EXCLUDED.close, volume = EXCLUDED.volume
		`, r.Exchange, r.Pair, r.Timeframe, r.OpenTs, r.Open, r.High, r.Low, r.Close, r.Volume)
	}
	return sendBatch(ctx, w.db, batch)
}
