package bridge_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/bridge"
)

func TestRingCapacityRoundsUp(t *testing.T) {
	for _, c := range []struct{ capacity, want int }{{1, 1}, {3, 4}, {4, 4}, {1000, 1024}} {
		if got := bridge.New[int](c.capacity).Cap(); got != c.want {
			t.Errorf("New(%v).Cap() = %v, want %v", c.capacity, got, c.want)
		}
	}
}

func TestRingFIFO(t *testing.T) {
	r := bridge.New[int](8)
	for i := 0; i < 5; i++ {
		if err := r.Push(i); err != nil {
			t.Fatalf("push %v failed: %v", i, err)
		}
	}
	if r.Len() != 5 {
		t.Fatalf("Len() = %v, want 5", r.Len())
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Pop()
		if !ok || v != i {
			t.Fatalf("Pop() = %v, %v; want %v, true", v, ok, i)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop() on empty ring returned ok")
	}
}

func TestRingDropsWhenFull(t *testing.T) {
	r := bridge.New[int](4)
	for i := 0; i < 6; i++ {
		err := r.Push(i)
		if full := i >= 4; full != errors.Is(err, patchbay.ErrQueueFull) {
			t.Fatalf("push %v returned %v", i, err)
		}
	}
	if got := r.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %v, want 2", got)
	}
	for i := 0; i < 4; i++ {
		if v, _ := r.Pop(); v != i {
			t.Fatalf("expected the oldest values to survive, got %v at %v", v, i)
		}
	}
}

func TestRingSlotsKeepStorage(t *testing.T) {
	r := bridge.NewFunc(2, func(s *[]int) { *s = make([]int, 0, 4) })
	s, ok := r.Slot()
	if !ok {
		t.Fatal("Slot() on empty ring failed")
	}
	*s = append((*s)[:0], 1, 2, 3)
	r.Commit()
	p, ok := r.Peek()
	if !ok || len(*p) != 3 || cap(*p) != 4 {
		t.Fatalf("Peek() = %v, %v", p, ok)
	}
	r.Advance()
	if r.Len() != 0 {
		t.Fatalf("Len() after Advance = %v", r.Len())
	}
}

func TestRingConcurrentOrder(t *testing.T) {
	const n = 100000
	r := bridge.New[int](64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Push(i) == nil {
				i++
			}
		}
	}()
	next := 0
	for next < n {
		if v, ok := r.Pop(); ok {
			if v != next {
				t.Fatalf("got %v, want %v", v, next)
			}
			next++
		}
	}
	wg.Wait()
}

func TestRingDrain(t *testing.T) {
	r := bridge.New[string](4)
	r.Push("a")
	r.Push("b")
	var got []string
	if n := r.Drain(func(s string) { got = append(got, s) }); n != 2 {
		t.Fatalf("Drain() = %v, want 2", n)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drained %v", got)
	}
}
