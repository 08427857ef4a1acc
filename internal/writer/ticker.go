package writer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-feeds/internal/model"
)

// tickerRow is one row of the tickers table.
type tickerRow struct {
	ID         uuid.UUID
	Exchange   string
	Pair       string
	ExchangeTs int64
	ReceivedAt int64
	Sell       decimal.Decimal
	Buy        decimal.Decimal
	Low        decimal.Decimal
	High       decimal.Decimal
	Last       decimal.Decimal
	Volume     decimal.Decimal
}

// TickerWriter appends tickers to the tickers table.
type TickerWriter struct {
	*batcher[tickerRow]
}

// NewTickerWriter creates a new TickerWriter.
func NewTickerWriter(cfg WriterConfig, db DB, logger *slog.Logger) *TickerWriter {
	w := &TickerWriter{batcher: newBatcher[tickerRow]("ticker", cfg, db, logger)}
	w.insert = w.batchInsert
	return w
}

// Write queues t. It never blocks; returns false after Stop.
func (w *TickerWriter) Write(t model.Ticker) bool {
	return w.enqueue(w.transform(t))
}

// HandleTicker adapts Write to a handler signature.
func (w *TickerWriter) HandleTicker(t model.Ticker) error {
	if !w.Write(t) {
		return errWriterStopped
	}
	return nil
}

// transform converts a Ticker to a tickerRow.
func (w *TickerWriter) transform(t model.Ticker) tickerRow {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return tickerRow{
		ID:         id,
		Exchange:   t.Exchange,
		Pair:       t.Pair,
		ExchangeTs: t.ExchangeTS,
		ReceivedAt: t.ReceivedAt,
		Sell:       t.Sell,
		Buy:        t.Buy,
		Low:        t.Low,
		High:       t.High,
		Last:       t.Last,
		Volume:     t.Volume,
	}
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TickerWriter) batchInsert(ctx context.Context, rows []tickerRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO tickers (id, exchange, pair, exchange_ts, received_at, sell, buy, low, high, last, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (exchange, pair, received_at) DO NOTHING
		`, r.ID, r.Exchange, r.Pair, r.ExchangeTs, r.ReceivedAt, r.Sell, r.Buy, r.Low, r.High, r.Last, r.Volume)
	}
	return sendBatch(ctx, w.db, batch)
}
