package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Next after the listener itself called Close.
var ErrClosed = errors.New("stream closed")

// defaultQueueSize is the initial per-listener queue capacity.
const defaultQueueSize = 16

// item is a queued value or, when end is set, the terminal event.
type item[T any] struct {
	val T
	end bool
	err error
}

// Stream is one listener's view of a feed. Values are delivered on C in the
// order they were published; C is closed when the feed ends or the listener
// detaches, after which Err reports why.
type Stream[T any] struct {
	queue *Queue[item[T]]
	out   chan T
	done  chan struct{} // Closed by Close
	ended chan struct{} // Closed when the pump exits

	closeOnce sync.Once
	onClose   func()

	mu      sync.Mutex
	err     error
	settled bool
}

func newStream[T any](onClose func()) *Stream[T] {
	s := &Stream[T]{
		queue:   NewQueue[item[T]](defaultQueueSize),
		out:     make(chan T),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// C returns the value channel.
func (s *Stream[T]) C() <-chan T {
	return s.out
}

// Err returns the terminal error once C is closed: nil for a normal
// completion, ErrClosed if the listener detached, otherwise the failure.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next waits for the next value. It returns io.EOF when the feed completed
// normally.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-s.out:
		if ok {
			return v, nil
		}
		if err := s.Err(); err != nil {
			return zero, err
		}
		return zero, io.EOF
	}
}

// Close detaches the listener. It never affects other listeners of the same feed.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		s.setErr(ErrClosed)
		close(s.done)
		s.queue.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// push queues a value. Returns false once the stream ended or was closed.
func (s *Stream[T]) push(v T) bool {
	return s.queue.Push(item[T]{val: v})
}

// end queues the terminal event and stops further pushes.
func (s *Stream[T]) end(err error) {
	s.queue.Push(item[T]{end: true, err: err})
	s.queue.Close()
}

func (s *Stream[T]) setErr(err error) {
	s.mu.Lock()
	if !s.settled {
		s.err = err
		s.settled = true
	}
	s.mu.Unlock()
}

// pump moves queued values to the unbuffered output channel.
func (s *Stream[T]) pump() {
	defer close(s.ended)
	defer close(s.out)

	for {
		it, ok := s.queue.Pop()
		if !ok {
			return
		}
		if it.end {
			s.setErr(it.err)
			return
		}

		select {
		case s.out <- it.val:
		case <-s.done:
			return
		}
	}
}

// Bind closes s when ctx is done and returns s.
func Bind[T any](ctx context.Context, s *Stream[T]) *Stream[T] {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		case <-s.ended:
		}
	}()
	return s
}

// Source is the write half of a single-listener stream created by Pipe.
type Source[T any] struct {
	s *Stream[T]
}

// Pipe returns a connected Source and Stream. Values pushed to the Source are
// buffered without bound until the Stream's reader takes them.
func Pipe[T any]() (*Source[T], *Stream[T]) {
	s := newStream[T](nil)
	return &Source[T]{s: s}, s
}

// Push delivers a value. Returns false if the stream ended or the reader detached.
func (src *Source[T]) Push(v T) bool {
	return src.s.push(v)
}

// Finish ends the stream; a nil err is a normal completion.
func (src *Source[T]) Finish(err error) {
	src.s.end(err)
}

// Done is closed when the reader detaches.
func (src *Source[T]) Done() <-chan struct{} {
	return src.s.done
}

// Map returns a stream of fn applied to every value of src. The first fn
// error ends the returned stream with that error and detaches src. Closing the
// returned stream detaches src.
func Map[S, T any](src *Stream[S], fn func(S) (T, error)) *Stream[T] {
	return FlatMap(src, func(v S) ([]T, error) {
		mapped, err := fn(v)
		if err != nil {
			return nil, err
		}
		return []T{mapped}, nil
	})
}

// FlatMap is like Map for functions that yield zero or more values per input.
func FlatMap[S, T any](src *Stream[S], fn func(S) ([]T, error)) *Stream[T] {
	sink, out := Pipe[T]()

	go func() {
		defer src.Close()
		for {
			select {
			case <-sink.Done():
				return
			case v, ok := <-src.C():
				if !ok {
					err := src.Err()
					if errors.Is(err, ErrClosed) {
						err = nil
					}
					sink.Finish(err)
					return
				}
				mapped, err := fn(v)
				if err != nil {
					sink.Finish(err)
					return
				}
				for _, m := range mapped {
					sink.Push(m)
				}
			}
		}
	}()

	return out
}
