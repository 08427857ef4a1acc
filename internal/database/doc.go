// Package database opens the TimescaleDB connection pool the batch writers
// insert tickers and candles into.
//
// Plain PostgreSQL works as well; hypertables are only created when
// database.timescale.hypertables is set.
package database
