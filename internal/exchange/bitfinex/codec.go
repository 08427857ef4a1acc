package bitfinex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/exchange-feeds/internal/mux"
)

// Channels
const (
	ChannelTicker  = "ticker"
	ChannelBook    = "book"
	ChannelCandles = "candles"
	ChannelTrades  = "trades"
)

// Event codes
const (
	CodeDuplicateSubscription = 10301
	CodeReconnect             = 20051
	CodeMaintenanceStart      = 20060
	CodeMaintenanceEnd        = 20061
)

var errMalformed = errors.New("malformed frame")

// Codec is the mux.Codec for the Bitfinex v2 public websocket.
type Codec struct {
	// BookLength is sent as "len" on book subscriptions. Zero leaves the server default.
	BookLength int
}

type subscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	Key     string `json:"key,omitempty"`
	Prec    string `json:"prec,omitempty"`
	Len     string `json:"len,omitempty"`
}

type unsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// eventFrame is every object-shaped inbound frame.
type eventFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Prec    string `json:"prec"`
	Msg     string `json:"msg"`
	Code    int    `json:"code"`
	Version int    `json:"version"`
}

// EncodeSubscribe builds {"event":"subscribe",...} from key. Candle keys
// travel as "key", book precision as "prec".
func (c Codec) EncodeSubscribe(key mux.Key) ([]byte, error) {
	req := subscribeRequest{Event: "subscribe", Channel: key.Channel}

	switch key.Channel {
	case ChannelTicker, ChannelTrades:
		if key.Symbol == "" {
			return nil, fmt.Errorf("%s subscription needs a symbol", key.Channel)
		}
		req.Symbol = key.Symbol
	case ChannelCandles:
		if key.Sub == "" {
			return nil, errors.New("candles subscription needs a key")
		}
		req.Key = key.Sub
	case ChannelBook:
		if key.Symbol == "" {
			return nil, errors.New("book subscription needs a symbol")
		}
		req.Symbol = key.Symbol
		req.Prec = key.Sub
		if c.BookLength > 0 {
			req.Len = fmt.Sprint(c.BookLength)
		}
	default:
		return nil, fmt.Errorf("unknown channel %q", key.Channel)
	}

	return json.Marshal(req)
}

// EncodeUnsubscribe builds {"event":"unsubscribe","chanId":N}.
func (c Codec) EncodeUnsubscribe(ch mux.ChannelID) ([]byte, error) {
	return json.Marshal(unsubscribeRequest{Event: "unsubscribe", ChanID: int64(ch)})
}

// Decode classifies one inbound frame.
func (c Codec) Decode(data []byte) (mux.Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errMalformed
	}

	switch data[0] {
	case '{':
		return decodeEvent(data)
	case '[':
		return decodeChannel(data)
	default:
		return nil, fmt.Errorf("%w: leading %q", errMalformed, data[0])
	}
}

func decodeEvent(data []byte) (mux.Frame, error) {
	var ev eventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch ev.Event {
	case "subscribed":
		return mux.SubscribedFrame{Key: keyOf(ev), Channel: mux.ChannelID(ev.ChanID)}, nil
	case "unsubscribed":
		return mux.UnsubscribedFrame{Channel: mux.ChannelID(ev.ChanID)}, nil
	case "error":
		return mux.ErrorFrame{
			Key:       keyOf(ev),
			HasKey:    ev.Channel != "",
			Code:      ev.Code,
			Message:   ev.Msg,
			Duplicate: ev.Code == CodeDuplicateSubscription,
		}, nil
	case "info":
		msg := ev.Msg
		if ev.Version != 0 {
			msg = fmt.Sprintf("api version %d", ev.Version)
		}
		return mux.InfoFrame{
			Code:      ev.Code,
			Message:   msg,
			Reconnect: ev.Code == CodeReconnect || ev.Code == CodeMaintenanceEnd,
		}, nil
	case "conf", "pong":
		return mux.InfoFrame{Message: ev.Event}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", errMalformed, ev.Event)
	}
}

// decodeChannel handles [chanId, payload], [chanId, "hb"] and the tagged
// form [chanId, "te", payload] used by the trades channel.
func decodeChannel(data []byte) (mux.Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode channel frame: %w", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %d elements", errMalformed, len(parts))
	}

	var id int64
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return nil, fmt.Errorf("decode chanId: %w", err)
	}
	ch := mux.ChannelID(id)

	body := parts[1]
	if len(body) > 0 && body[0] == '"' {
		var tag string
		if err := json.Unmarshal(body, &tag); err != nil {
			return nil, fmt.Errorf("decode tag: %w", err)
		}
		if tag == "hb" {
			return mux.HeartbeatFrame{Channel: ch}, nil
		}
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: tag %q without payload", errMalformed, tag)
		}
		body = parts[2]
	}

	return mux.DataFrame{Channel: ch, Payload: mux.Payload(body)}, nil
}

func keyOf(ev eventFrame) mux.Key {
	switch ev.Channel {
	case ChannelCandles:
		return mux.Key{Channel: ev.Channel, Sub: ev.Key}
	case ChannelBook:
		return mux.Key{Channel: ev.Channel, Symbol: ev.Symbol, Sub: ev.Prec}
	default:
		return mux.Key{Channel: ev.Channel, Symbol: ev.Symbol}
	}
}

// TickerKey is the multiplexer key of a ticker feed.
func TickerKey(symbol string) mux.Key {
	return mux.Key{Channel: ChannelTicker, Symbol: symbol}
}

// BookKey is the multiplexer key of a book feed at precision prec (P0..P4).
func BookKey(symbol, prec string) mux.Key {
	return mux.Key{Channel: ChannelBook, Symbol: symbol, Sub: prec}
}

// CandleKey is the multiplexer key of a trade candle feed, e.g. "trade:1h:tETHBTC".
func CandleKey(symbol, timeframe string) mux.Key {
	return mux.Key{Channel: ChannelCandles, Sub: "trade:" + timeframe + ":" + symbol}
}
