// Package bridge implements the bounded lock-free queues used to pass
// messages between the control side and the real-time audio thread.
package bridge

import (
	"sync/atomic"

	"github.com/vsariola/patchbay"
)

// Ring is a bounded single-producer single-consumer FIFO queue. Push and
// Slot/Commit may only be called from one goroutine at a time (the producer),
// and Pop and Peek/Advance from one goroutine at a time (the consumer). None
// of the methods block, allocate or take locks, so either end can be the audio
// thread.
//
// When the ring is full, the value being pushed is dropped and the drop
// counter incremented; values already in the ring are never overwritten.
type Ring[T any] struct {
	slots []T
	mask  uint64

	head atomic.Uint64 // next slot to read; written by the consumer only
	_    [56]byte
	tail atomic.Uint64 // next slot to write; written by the producer only
	_    [56]byte

	dropped atomic.Uint64
}

// New returns a ring holding at least capacity values. The capacity is
// rounded up to a power of two.
func New[T any](capacity int) *Ring[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{slots: make([]T, n), mask: uint64(n - 1)}
}

// NewFunc is like New, but calls init for every slot before returning. It is
// used to preallocate storage owned by the slots, which the producer then
// fills in place through Slot.
func NewFunc[T any](capacity int, init func(*T)) *Ring[T] {
	r := New[T](capacity)
	for i := range r.slots {
		init(&r.slots[i])
	}
	return r
}

// Cap returns the number of values the ring can hold.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Len returns the number of values currently in the ring. The result is only
// a snapshot when called concurrently with the other end.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Dropped returns how many values have been dropped because the ring was
// full.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Push appends v to the ring. It returns patchbay.ErrQueueFull, and counts a
// drop, if the ring is full.
func (r *Ring[T]) Push(v T) error {
	s, ok := r.Slot()
	if !ok {
		return patchbay.ErrQueueFull
	}
	*s = v
	r.Commit()
	return nil
}

// Slot returns the next free slot for the producer to fill in place. The slot
// becomes visible to the consumer only after Commit. If the ring is full, Slot
// counts a drop and returns false.
func (r *Ring[T]) Slot() (*T, bool) {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.slots)) {
		r.dropped.Add(1)
		return nil, false
	}
	return &r.slots[tail&r.mask], true
}

// Commit publishes the slot returned by the previous successful Slot call.
func (r *Ring[T]) Commit() {
	r.tail.Add(1)
}

// Pop removes and returns the oldest value of the ring. The slot is zeroed so
// that the ring does not keep references alive.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	s, ok := r.Peek()
	if !ok {
		return zero, false
	}
	v := *s
	*s = zero
	r.Advance()
	return v, true
}

// Drain pops every value currently in the ring and passes it to f, returning
// the number of values drained.
func (r *Ring[T]) Drain(f func(T)) int {
	n := 0
	for {
		v, ok := r.Pop()
		if !ok {
			return n
		}
		f(v)
		n++
	}
}

// Peek returns the oldest slot of the ring without removing it. The consumer
// may read the slot until it calls Advance.
func (r *Ring[T]) Peek() (*T, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return nil, false
	}
	return &r.slots[head&r.mask], true
}

// Advance releases the slot returned by the previous successful Peek back to
// the producer.
func (r *Ring[T]) Advance() {
	r.head.Add(1)
}
