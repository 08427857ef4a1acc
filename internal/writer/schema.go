package writer

import (
	"context"
	"fmt"
)

// schema creates the tables the writers insert into.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tickers (
		id          UUID NOT NULL,
		exchange    TEXT NOT NULL,
		pair        TEXT NOT NULL,
		exchange_ts BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		sell        NUMERIC,
		buy         NUMERIC,
		low         NUMERIC,
		high        NUMERIC,
		last        NUMERIC,
		volume      NUMERIC,
		UNIQUE (exchange, pair, received_at)
	)`,
	`CREATE TABLE IF NOT EXISTS candles (
		exchange  TEXT NOT NULL,
		pair      TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open_ts   BIGINT NOT NULL,
		open      NUMERIC NOT NULL,
		high      NUMERIC NOT NULL,
		low       NUMERIC NOT NULL,
		close     NUMERIC NOT NULL,
		volume    NUMERIC NOT NULL,
		PRIMARY KEY (exchange, pair, timeframe, open_ts)
	)`,
}

// hypertables turns the tables into TimescaleDB hypertables with one-day
// chunks (timestamps are µs).
var hypertables = []string{
	`SELECT create_hypertable('tickers', 'received_at', chunk_time_interval => 86400000000, if_not_exists => TRUE)`,
	`SELECT create_hypertable('candles', 'open_ts', chunk_time_interval => 86400000000, if_not_exists => TRUE)`,
}

// EnsureSchema creates missing tables. With timescale set, the tables are
// also converted to hypertables.
func EnsureSchema(ctx context.Context, db DB, timescale bool) error {
	stmts := schema
	if timescale {
		stmts = append(append([]string(nil), schema...), hypertables...)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
