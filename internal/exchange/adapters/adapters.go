// Package adapters builds the exchange adapters enabled in the
// configuration.
package adapters

import (
	"log/slog"
	"time"

	"github.com/rickgao/exchange-feeds/internal/api"
	"github.com/rickgao/exchange-feeds/internal/config"
	"github.com/rickgao/exchange-feeds/internal/connection"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/exchange/bitbank"
	"github.com/rickgao/exchange-feeds/internal/exchange/bitfinex"
	"github.com/rickgao/exchange-feeds/internal/pubnub"
)

// Backoff converts the connection settings to a backoff policy.
func Backoff(cfg config.ConnectionConfig) connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial:    cfg.ReconnectBaseDelay,
		Max:        cfg.ReconnectMaxDelay,
		Multiplier: connection.BackoffMultiplier,
		Jitter:     connection.JitterFactor,
	}
}

// NewRegistry creates the enabled exchange adapters.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*exchange.Registry, error) {
	reg := exchange.NewRegistry()

	if cfg.Bitfinex.Enabled {
		bf := bitfinex.DefaultConfig()
		bf.BookPrecision = cfg.Bitfinex.BookPrecision
		bf.BookLength = cfg.Bitfinex.BookLength
		bf.Markets = cfg.Bitfinex.Markets
		bf.FallbackLiveOnly = cfg.Bitfinex.FallbackLiveOnly
		bf.Mux.RejectUnbound = cfg.Bitfinex.RejectUnbound
		bf.Mux.ConnectBackoff = Backoff(cfg.Connection)
		bf.Connection.URL = cfg.Bitfinex.WSURL
		bf.Connection.PingInterval = cfg.Connection.PingInterval
		bf.Connection.PongTimeout = cfg.Connection.PongTimeout
		bf.Connection.BufferSize = cfg.Connection.BufferSize
		bf.Connection.Backoff = Backoff(cfg.Connection)

		rest := api.NewClient(cfg.Bitfinex.RestURL,
			api.WithLogger(logger),
			api.WithTimeout(cfg.Bitfinex.Timeout),
			api.WithRetries(cfg.Bitfinex.MaxRetries, time.Second),
		)
		if err := reg.Register(bitfinex.New(bf, rest, logger)); err != nil {
			return nil, err
		}
	}

	if cfg.Bitbank.Enabled {
		pn := pubnub.DefaultConfig(cfg.Bitbank.SubscribeKey)
		pn.Origin = cfg.Bitbank.PubNubOrigin
		pn.PollTimeout = cfg.Bitbank.PollTimeout
		pn.UUID = cfg.Instance.ID + "-" + bitbank.Name

		bb := bitbank.Config{
			RESTURL:          cfg.Bitbank.RestURL,
			Timeout:          cfg.Bitbank.Timeout,
			Markets:          cfg.Bitbank.Markets,
			FallbackLiveOnly: cfg.Bitbank.FallbackLiveOnly,
			PubNub:           pn,
		}
		if err := reg.Register(bitbank.New(bb, logger)); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
