// Package connection implements the websocket Transport shared by all
// logical feeds of a streaming exchange.
//
// A Transport:
//   - Dials lazily on the first Connect and keeps one session alive
//   - Pings the server and drops sessions that stop answering
//   - Redials with exponential backoff and jitter after any read failure
//   - Emits a KindReconnected marker, in order, before frames of a new session
//
// Frame decoding is not done here; the multiplexer's codec owns the wire format.
package connection
