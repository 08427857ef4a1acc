package stream

import (
	"sync"
)

// Subject holds the latest value of a feed and broadcasts every new value to
// all attached listeners. A listener attached after the first value first
// receives that latest value, then live values.
//
// Publishing never blocks: each listener owns an unbounded queue.
type Subject[T any] struct {
	mu        sync.Mutex
	latest    T
	hasLatest bool
	listeners map[uint64]*Stream[T]
	nextID    uint64

	ended bool
	err   error
}

// NewSubject creates an empty subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{
		listeners: make(map[uint64]*Stream[T]),
	}
}

// Subscribe attaches a new listener.
//
// The replayed value is queued under the same lock that serializes Next, so a
// listener can never observe a live value before the replay. Subscribing to an
// ended subject replays the latest value and then ends the same way.
func (s *Subject[T]) Subscribe() *Stream[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	st := newStream[T](func() { s.detach(id) })
	if s.hasLatest {
		st.push(s.latest)
	}
	if s.ended {
		st.end(s.err)
		return st
	}

	s.listeners[id] = st
	return st
}

// Next records v as the latest value and delivers it to every listener.
// Returns false if the subject already ended.
func (s *Subject[T]) Next(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return false
	}

	s.latest = v
	s.hasLatest = true
	for _, st := range s.listeners {
		st.push(v)
	}
	return true
}

// Complete ends every listener normally.
func (s *Subject[T]) Complete() {
	s.finish(nil)
}

// Fail ends every listener with err.
func (s *Subject[T]) Fail(err error) {
	s.finish(err)
}

// Value returns the latest value, if any.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// Listeners returns the number of attached listeners.
func (s *Subject[T]) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Ended reports whether Complete or Fail was called.
func (s *Subject[T]) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Subject[T]) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	s.err = err

	for id, st := range s.listeners {
		st.end(err)
		delete(s.listeners, id)
	}
}

func (s *Subject[T]) detach(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}
