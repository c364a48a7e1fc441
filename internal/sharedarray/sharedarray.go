// Package sharedarray provides a fixed-capacity array that any number of
// goroutines can append to concurrently without locks, and whose storage
// can be mirrored into a second memory space (see mirror.go).
//
// The array protects exactly one concurrent use case: many producers
// calling Append at the same time, with nothing else touching the array.
// Every other operation (Reserve, Resize, Clear, mirror transfers) is
// single-writer and must be serialized by the caller against any append
// phase.
package sharedarray

import (
	"sync/atomic"

	"github.com/exasmr/openmc/internal/device"
)

// Overflow is returned by Append when the array is full. The value was not
// stored; the caller decides whether to grow, drop, or report saturation.
const Overflow = -1

// Array is a fixed-capacity append-only container of T. T must be a
// fixed-size value type with no pointers: elements are copied across memory
// spaces byte for byte, and a pointer is meaningless in the other space.
type Array[T any] struct {
	data     []T
	size     atomic.Int64
	capacity int

	// Device mirror state, managed in mirror.go. The mirror operates
	// directly on data and size above; it holds no copy of its own.
	dev        device.Device
	mirror     device.Buffer // device copy of the element storage
	mirrorSize device.Buffer // device-resident size word
	mirrorCap  int           // capacity the mirror was allocated at
	mirrored   bool
}

// New constructs a zero-size array with space for capacity elements.
// A capacity of zero is legal; every Append then overflows.
func New[T any](capacity int) *Array[T] {
	a := &Array[T]{}
	if capacity > 0 {
		a.data = make([]T, capacity)
		a.capacity = capacity
	}
	return a
}

// Append claims the next free slot, stores value there, and returns the
// slot index. It is safe to call from any number of goroutines at once;
// each successful call gets a distinct index in [0, capacity). When the
// array is full it returns Overflow and stores nothing.
//
// The claim and the bounds check are a single compare-and-swap on the size
// counter, so the counter never runs past capacity and no two producers
// can ever observe the same pre-increment value.
func (a *Array[T]) Append(value T) int {
	for {
		idx := a.size.Load()
		if idx >= int64(a.capacity) {
			return Overflow
		}
		if a.size.CompareAndSwap(idx, idx+1) {
			// The slot is ours alone; writes to distinct indices are
			// race-free by construction.
			a.data[idx] = value
			return int(idx)
		}
	}
}

// Size returns the number of committed elements. It may be called while
// appends are in flight; the value can be stale by the time it is used.
func (a *Array[T]) Size() int {
	return int(a.size.Load())
}

// Capacity returns the number of elements the array has space for.
func (a *Array[T]) Capacity() int {
	return a.capacity
}

// Resize sets the size counter unconditionally. It exists for callers that
// populate the storage through a bulk, externally synchronized path and
// then need the committed count to match. The device mirror is not
// touched; follow with PushSize if one is allocated. Single-writer only.
func (a *Array[T]) Resize(n int) {
	a.size.Store(int64(n))
}

// Reserve grows the array to hold at least capacity elements. It is a
// no-op when the array already has that much space. Growth replaces the
// storage without copying: prior contents do not survive, and any slot
// index handed out earlier no longer refers to live storage. Must not be
// called concurrently with Append. An allocated mirror becomes stale and
// must be freed and reallocated before the next transfer.
func (a *Array[T]) Reserve(capacity int) {
	if capacity <= a.capacity {
		return
	}
	a.data = make([]T, capacity)
	a.capacity = capacity
}

// Clear releases the device mirror (if any) and the host storage, and
// resets size and capacity to zero. Idempotent. Clear is an explicit
// operation rather than a finalizer: process-lifetime arrays must be torn
// down deterministically at shutdown, not whenever the collector gets
// around to it.
func (a *Array[T]) Clear() error {
	err := a.FreeOnDevice()
	a.data = nil
	a.capacity = 0
	a.size.Store(0)
	return err
}

// Data returns the host storage as a borrowed slice of the full capacity.
// Only [0, Size()) holds committed elements. The slice is valid until the
// next Reserve or Clear.
func (a *Array[T]) Data() []T {
	return a.data
}

// At returns the element at index i. No bounds checking beyond the
// runtime's own.
func (a *Array[T]) At(i int) T {
	return a.data[i]
}

// Set stores v at index i, bypassing the claim protocol. For bulk
// population paths only; pair with Resize.
func (a *Array[T]) Set(i int, v T) {
	a.data[i] = v
}
