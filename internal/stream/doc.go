// Package stream provides the broadcast primitives shared by every live feed.
//
//   - Queue: unbounded FIFO backing each listener, so publishers never block
//   - Stream: one listener's ordered view of a feed (C/Err, Next, Close)
//   - Subject: latest value + broadcast; new listeners get the latest value first
//   - Pipe/Map: single-listener streams and per-value transformation
//
// A listener detaching never ends the feed for anyone else.
package stream
