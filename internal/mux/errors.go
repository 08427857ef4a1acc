package mux

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrInvalidRequestKind is returned by Unsubscribe for keys that do not
	// name a concrete channel feed.
	ErrInvalidRequestKind = errors.New("invalid request kind")

	// ErrUnknownChannelBinding is returned by Unsubscribe under the reject
	// policy while the subscribe ack has not arrived.
	ErrUnknownChannelBinding = errors.New("unknown channel binding")

	// ErrRemoteRejected marks a subscription the server refused.
	ErrRemoteRejected = errors.New("subscription rejected by remote")

	// ErrStaleFrame marks a frame for a channel with no live binding. Logged, never returned.
	ErrStaleFrame = errors.New("stale frame")

	// ErrClosed ends every listener when the multiplexer shuts down.
	ErrClosed = errors.New("multiplexer closed")
)

// RemoteRejectedError is the terminal error of a feed whose subscribe failed.
type RemoteRejectedError struct {
	Key     Key
	Code    int
	Message string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("subscribe %s rejected: %s (code %d)", e.Key, e.Message, e.Code)
}

// Is makes errors.Is(err, ErrRemoteRejected) match.
func (e *RemoteRejectedError) Is(target error) bool {
	return target == ErrRemoteRejected
}
