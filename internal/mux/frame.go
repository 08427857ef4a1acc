package mux

// Frame is one decoded inbound frame. The set of variants is closed; the
// multiplexer switches over them exhaustively.
type Frame interface {
	isFrame()
}

// SubscribedFrame acknowledges a subscribe request and names its channel.
type SubscribedFrame struct {
	Key     Key // Rebuilt from the echoed request fields
	Channel ChannelID
}

// UnsubscribedFrame acknowledges an unsubscribe request.
type UnsubscribedFrame struct {
	Channel ChannelID
}

// ErrorFrame reports a failed request.
type ErrorFrame struct {
	Key       Key  // Echoed request fields, valid when HasKey
	HasKey    bool
	Code      int
	Message   string
	Duplicate bool // The key is already subscribed on this session
}

// HeartbeatFrame is a keepalive on a channel. Never delivered.
type HeartbeatFrame struct {
	Channel ChannelID
}

// DataFrame carries one payload for a channel.
type DataFrame struct {
	Channel ChannelID
	Payload Payload
}

// InfoFrame is a service notice.
type InfoFrame struct {
	Code      int
	Message   string
	Reconnect bool // The server asks clients to reconnect
}

func (SubscribedFrame) isFrame()   {}
func (UnsubscribedFrame) isFrame() {}
func (ErrorFrame) isFrame()        {}
func (HeartbeatFrame) isFrame()    {}
func (DataFrame) isFrame()         {}
func (InfoFrame) isFrame()         {}

// Codec translates between the multiplexer and one exchange's wire format.
type Codec interface {
	// EncodeSubscribe builds the subscribe request for key.
	EncodeSubscribe(key Key) ([]byte, error)

	// EncodeUnsubscribe builds the unsubscribe request for a bound channel.
	EncodeUnsubscribe(channel ChannelID) ([]byte, error)

	// Decode classifies one raw inbound frame.
	Decode(data []byte) (Frame, error)
}
