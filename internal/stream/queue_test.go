package stream

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue returned true")
	}
}

func TestQueue_GrowAt70Percent(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Cap <= 10 {
		t.Errorf("Cap = %d, expected growth after 70%% fill", stats.Cap)
	}
	if stats.Resizes != 1 {
		t.Errorf("Resizes = %d, want 1", stats.Resizes)
	}
}

func TestQueue_WrapAroundThenGrow(t *testing.T) {
	q := NewQueue[int](5)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.TryPop()
	q.TryPop()

	// Wraps the ring, then forces a grow with head > tail.
	for i := 4; i <= 8; i++ {
		q.Push(i)
	}

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[int](4)
	got := make(chan int, 1)

	go func() {
		if v, ok := q.Pop(); ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("popped %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Pop")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Close()

	if q.Push(2) {
		t.Error("Push should return false after Close")
	}
	if v, ok := q.Pop(); !ok || v != 1 {
		t.Errorf("Pop() = %d, %v; want 1, true", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop should return false when closed and empty")
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := NewQueue[int](4)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestQueue_ConcurrentOrder(t *testing.T) {
	q := NewQueue[int](2)
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	for i := 0; i < n; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop returned false at %d", i)
		}
		if v != i {
			t.Fatalf("popped %d, want %d", v, i)
		}
	}
	wg.Wait()
}

func TestNewQueue_MinCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if got := NewQueue[int](c).Stats().Cap; got != 1 {
			t.Errorf("NewQueue(%d) cap = %d, want 1", c, got)
		}
	}
}
