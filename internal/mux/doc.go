// Package mux turns one streaming connection into many logical feeds.
//
// A Multiplexer owns a single Transport, created on the first Subscribe.
// Each feed is identified by a client-side Key; the server answers a
// subscribe request with a ChannelID that tags every later data frame.
// The multiplexer:
//   - Sends one subscribe frame per Key, however many listeners ask for it
//   - Binds ChannelID to Key when the subscribed ack arrives
//   - Replays the latest value to listeners that join late
//   - Drops frames for unknown or stale ChannelIDs
//   - Re-subscribes every live feed after the Transport reconnects
//
// Detaching a listener never unsubscribes; Unsubscribe is explicit, and a
// feed with zero listeners keeps its latest value for the next Subscribe.
//
// Unsubscribing a Key whose subscribe is still unacknowledged is queued by
// default: listeners complete at once and the unsubscribe frame goes out as
// soon as the ack names the ChannelID. Config.RejectUnbound makes such calls
// fail with ErrUnknownChannelBinding instead.
package mux
