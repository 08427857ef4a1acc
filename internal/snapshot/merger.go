// Package snapshot merges a one-shot fetch with a live stream of the same feed.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/exchange-feeds/internal/stream"
)

// Merger delivers Fetch(key) first, then every value of Live(key).
//
// The live stream is attached before the fetch starts, so nothing published
// while the fetch is in flight is lost; those values wait in the listener's
// queue and follow the snapshot in arrival order.
type Merger[K comparable, T any] struct {
	// Fetch returns the current value of the feed, e.g. from a REST endpoint.
	Fetch func(ctx context.Context, key K) (T, error)

	// Live returns a new listener on the push feed for key.
	Live func(key K) *stream.Stream[T]

	// FallbackLiveOnly keeps the live stream when Fetch fails instead of
	// ending the merged stream with the fetch error.
	FallbackLiveOnly bool

	Logger *slog.Logger
}

// Stream returns the merged stream for key. Cancelling ctx or closing the
// returned stream detaches the live listener.
func (m *Merger[K, T]) Stream(ctx context.Context, key K) *stream.Stream[T] {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink, out := stream.Pipe[T]()
	live := m.Live(key)

	go func() {
		defer live.Close()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-sink.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		snap, err := m.Fetch(ctx, key)
		switch {
		case err == nil:
			sink.Push(snap)
		case m.FallbackLiveOnly && ctx.Err() == nil:
			logger.Warn("snapshot fetch failed, continuing live only", "key", key, "error", err)
		default:
			sink.Finish(fmt.Errorf("fetch snapshot %v: %w", key, err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				sink.Finish(ctx.Err())
				return
			case v, ok := <-live.C():
				if !ok {
					err := live.Err()
					if errors.Is(err, stream.ErrClosed) {
						err = nil
					}
					sink.Finish(err)
					return
				}
				sink.Push(v)
			}
		}
	}()

	return out
}
