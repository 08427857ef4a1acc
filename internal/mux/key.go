package mux

import "strings"

// Key identifies a logical feed, e.g. {Channel: "ticker", Symbol: "tBTCUSD"}
// or {Channel: "candles", Sub: "trade:1h:tETHBTC"}. Keys are compared
// structurally; two requests with equal fields share one subscription.
type Key struct {
	Channel string
	Symbol  string
	Sub     string // Channel-specific sub-key: candle key, book precision
}

// String renders the key for logs, e.g. "ticker:tBTCUSD".
func (k Key) String() string {
	parts := make([]string, 0, 3)
	parts = append(parts, k.Channel)
	if k.Symbol != "" {
		parts = append(parts, k.Symbol)
	}
	if k.Sub != "" {
		parts = append(parts, k.Sub)
	}
	return strings.Join(parts, ":")
}

// Unsubscribable reports whether k names a concrete channel feed that the
// server can be asked to drop.
func (k Key) Unsubscribable() bool {
	return k.Channel != "" && (k.Symbol != "" || k.Sub != "")
}

// ChannelID is the server-assigned identifier bound to a Key on subscribe ack.
type ChannelID int64

// Payload is the undecoded body of a data frame.
type Payload []byte
