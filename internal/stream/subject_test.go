package stream

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next[T any](t *testing.T, s *Stream[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func TestSubject_BroadcastsInOrder(t *testing.T) {
	subj := NewSubject[int]()
	a := subj.Subscribe()
	b := subj.Subscribe()
	defer a.Close()
	defer b.Close()

	for i := 1; i <= 3; i++ {
		require.True(t, subj.Next(i))
	}

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, next(t, a))
		assert.Equal(t, i, next(t, b))
	}
}

func TestSubject_ReplaysLatestToLateListener(t *testing.T) {
	subj := NewSubject[string]()
	subj.Next("old")
	subj.Next("latest")

	late := subj.Subscribe()
	defer late.Close()

	subj.Next("live")

	assert.Equal(t, "latest", next(t, late))
	assert.Equal(t, "live", next(t, late))
}

func TestSubject_NoReplayBeforeFirstValue(t *testing.T) {
	subj := NewSubject[int]()
	s := subj.Subscribe()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubject_CompleteEndsListeners(t *testing.T) {
	subj := NewSubject[int]()
	s := subj.Subscribe()

	subj.Next(1)
	subj.Complete()

	assert.Equal(t, 1, next(t, s))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Err())
	assert.False(t, subj.Next(2), "Next after Complete must be rejected")
	assert.Equal(t, 0, subj.Listeners())
}

func TestSubject_FailEndsListenersWithError(t *testing.T) {
	subj := NewSubject[int]()
	s := subj.Subscribe()
	boom := errors.New("boom")

	subj.Fail(boom)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestSubject_SubscribeAfterEnd(t *testing.T) {
	subj := NewSubject[int]()
	subj.Next(7)
	subj.Complete()

	s := subj.Subscribe()
	assert.Equal(t, 7, next(t, s))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubject_CloseDetachesOnlyThatListener(t *testing.T) {
	subj := NewSubject[int]()
	a := subj.Subscribe()
	b := subj.Subscribe()
	defer b.Close()

	a.Close()
	assert.Equal(t, 1, subj.Listeners())

	subj.Next(5)
	assert.Equal(t, 5, next(t, b))

	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	v, ok := subj.Value()
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestSubject_SlowListenerDoesNotBlockPublisher(t *testing.T) {
	subj := NewSubject[int]()
	slow := subj.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			subj.Next(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an idle listener")
	}

	for i := 0; i < 10000; i++ {
		require.Equal(t, i, next(t, slow))
	}
}

func TestPipe_PushAndFinish(t *testing.T) {
	src, s := Pipe[int]()
	src.Push(1)
	src.Push(2)
	src.Finish(nil)

	assert.Equal(t, 1, next(t, s))
	assert.Equal(t, 2, next(t, s))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipe_DoneClosesWhenReaderDetaches(t *testing.T) {
	src, s := Pipe[int]()
	s.Close()

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after reader Close")
	}
	assert.False(t, src.Push(1))
}

func TestMap(t *testing.T) {
	subj := NewSubject[string]()
	ints := Map(subj.Subscribe(), strconv.Atoi)
	defer ints.Close()

	subj.Next("1")
	subj.Next("2")
	assert.Equal(t, 1, next(t, ints))
	assert.Equal(t, 2, next(t, ints))

	subj.Complete()
	_, err := ints.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestMap_ErrorEndsStreamAndDetachesSource(t *testing.T) {
	subj := NewSubject[string]()
	ints := Map(subj.Subscribe(), strconv.Atoi)

	subj.Next("x")

	_, err := ints.Next(context.Background())
	var numErr *strconv.NumError
	assert.ErrorAs(t, err, &numErr)

	assert.Eventually(t, func() bool { return subj.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFlatMap_SkipsEmptyResults(t *testing.T) {
	subj := NewSubject[int]()
	evens := FlatMap(subj.Subscribe(), func(v int) ([]int, error) {
		if v%2 != 0 {
			return nil, nil
		}
		return []int{v, v * 10}, nil
	})
	defer evens.Close()

	subj.Next(1)
	subj.Next(2)

	assert.Equal(t, 2, next(t, evens))
	assert.Equal(t, 20, next(t, evens))
}

func TestBind_ClosesOnContextDone(t *testing.T) {
	subj := NewSubject[int]()
	ctx, cancel := context.WithCancel(context.Background())
	s := Bind(ctx, subj.Subscribe())

	cancel()
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Eventually(t, func() bool { return subj.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}
