// Package arrays implements the named sample buffers shared between the
// control side and the audio thread.
package arrays

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vsariola/patchbay"
)

// DefaultSize is the size of an array defined without an explicit size.
const DefaultSize = 100

// ErrDuplicate is returned by Define when the name is already taken.
var ErrDuplicate = fmt.Errorf("%w: array already defined", patchbay.ErrStructural)

type (
	// Array is one named buffer. All access to the samples goes through the
	// per-array mutex, so a reader never sees a half-written range. The audio
	// thread only ever uses TryLock and skips the array for that block if the
	// control side is holding it.
	Array struct {
		name string
		mu   sync.Mutex
		data []float32
	}

	// Store maps names to arrays. Lookups are lock-free: the map is replaced
	// wholesale on every Define and Remove and published through an atomic
	// pointer.
	Store struct {
		mu    sync.Mutex // serializes writers of m
		m     atomic.Pointer[map[string]*Array]
		count atomic.Int64
	}
)

func NewStore() *Store {
	s := &Store{}
	s.m.Store(&map[string]*Array{})
	return s
}

// Define creates a zeroed array. size <= 0 means DefaultSize.
func (s *Store) Define(name string, size int) (*Array, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty array name", patchbay.ErrInvalidArgument)
	}
	if size <= 0 {
		size = DefaultSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.m.Load()
	if _, ok := old[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	a := &Array{name: name, data: make([]float32, size)}
	m := make(map[string]*Array, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[name] = a
	s.m.Store(&m)
	s.count.Add(1)
	return a, nil
}

// Remove unregisters a. Nothing happens if the name has since been bound to
// another array.
func (s *Store) Remove(a *Array) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.m.Load()
	if old[a.name] != a {
		return
	}
	m := make(map[string]*Array, len(old))
	for k, v := range old {
		if k != a.name {
			m[k] = v
		}
	}
	s.m.Store(&m)
	s.count.Add(-1)
}

// Lookup returns the array with the given name. It is safe to call from the
// audio thread.
func (s *Store) Lookup(name string) (*Array, bool) {
	a, ok := (*s.m.Load())[name]
	return a, ok
}

// Names returns the names of all arrays, sorted.
func (s *Store) Names() []string {
	m := *s.m.Load()
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Len returns the number of arrays in the store.
func (s *Store) Len() int { return int(s.count.Load()) }

// Size returns the number of samples in the named array, or 0 if there is no
// such array.
func (s *Store) Size(name string) int {
	a, ok := s.Lookup(name)
	if !ok {
		return 0
	}
	return a.Size()
}

// Write copies length samples of data into the named array, starting at
// offset. A negative length means len(data). It returns false if the array
// does not exist or the range does not fit in the array or in data.
func (s *Store) Write(name string, data []float32, length, offset int) bool {
	a, ok := s.Lookup(name)
	if !ok {
		return false
	}
	return a.Write(data, length, offset)
}

// Read copies length samples starting at offset from the named array into
// dest. A negative length means len(dest).
func (s *Store) Read(name string, dest []float32, length, offset int) bool {
	a, ok := s.Lookup(name)
	if !ok {
		return false
	}
	return a.Read(dest, length, offset)
}

// Clear sets every sample of the named array to value.
func (s *Store) Clear(name string, value float32) bool {
	a, ok := s.Lookup(name)
	if !ok {
		return false
	}
	a.Clear(value)
	return true
}

// Resize changes the size of the named array, keeping the samples that fit
// and zeroing new ones.
func (s *Store) Resize(name string, size int) bool {
	a, ok := s.Lookup(name)
	if !ok || size <= 0 {
		return false
	}
	a.Resize(size)
	return true
}

func (a *Array) Name() string { return a.name }

func (a *Array) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *Array) Write(data []float32, length, offset int) bool {
	if length < 0 {
		length = len(data)
	}
	if offset < 0 || length > len(data) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset+length > len(a.data) {
		return false
	}
	copy(a.data[offset:offset+length], data[:length])
	return true
}

func (a *Array) Read(dest []float32, length, offset int) bool {
	if length < 0 {
		length = len(dest)
	}
	if offset < 0 || length > len(dest) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset+length > len(a.data) {
		return false
	}
	copy(dest[:length], a.data[offset:offset+length])
	return true
}

func (a *Array) Clear(value float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.data {
		a.data[i] = value
	}
}

func (a *Array) Resize(size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= cap(a.data) {
		old := len(a.data)
		a.data = a.data[:size]
		for i := old; i < size; i++ {
			a.data[i] = 0
		}
		return
	}
	data := make([]float32, size)
	copy(data, a.data)
	a.data = data
}

// Replace swaps the contents of the array for data, taking ownership of it.
func (a *Array) Replace(data []float32) {
	a.mu.Lock()
	a.data = data
	a.mu.Unlock()
}

// Snapshot returns a copy of the samples.
func (a *Array) Snapshot() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float32(nil), a.data...)
}

// TryLock is the audio thread's way in: if it succeeds, Samples may be used
// until Unlock.
func (a *Array) TryLock() bool { return a.mu.TryLock() }

// Unlock releases a lock taken with TryLock.
func (a *Array) Unlock() { a.mu.Unlock() }

// Samples returns the underlying buffer. The caller must hold the lock.
func (a *Array) Samples() []float32 { return a.data }
