package mux

import (
	"github.com/rickgao/exchange-feeds/internal/connection"
)

// Config holds multiplexer settings.
type Config struct {
	// RejectUnbound makes Unsubscribe fail with ErrUnknownChannelBinding
	// while the subscribe ack is outstanding, instead of queueing it.
	RejectUnbound bool

	// OutboxSize is the initial capacity of the outbound frame queue.
	OutboxSize int

	// ConnectBackoff paces retries of the first Transport dial.
	ConnectBackoff connection.BackoffConfig
}

// DefaultConfig returns the queueing policy with default backoff.
func DefaultConfig() Config {
	return Config{
		OutboxSize: 64,
		ConnectBackoff: connection.BackoffConfig{
			Initial:    connection.InitialBackoff,
			Max:        connection.MaxBackoff,
			Multiplier: connection.BackoffMultiplier,
			Jitter:     connection.JitterFactor,
		},
	}
}
