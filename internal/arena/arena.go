// Package arena provides append-only storage addressed by dense integer
// handles. Elements are stored in fixed-size chunks that never move, so a
// pointer obtained from Get stays valid for the life of the arena and readers
// never take a lock.
package arena

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
	dirSize   = 1 << 12
)

// ErrFull is returned when the arena has no room for another element.
var ErrFull = errors.New("arena: capacity exhausted")

type chunk[T any] [chunkSize]T

// Arena is an append-only handle table. The zero value is ready to use.
type Arena[T any] struct {
	mu     sync.Mutex
	n      atomic.Uint32
	chunks [dirSize]atomic.Pointer[chunk[T]]
}

// Capacity is the maximum number of elements an arena can hold.
func Capacity() int { return dirSize * chunkSize }

// Alloc reserves the next handle and lets init fill the element in place
// before it becomes visible to readers. Writers are serialized.
func (a *Arena[T]) Alloc(init func(h uint32, elem *T)) (uint32, *T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.n.Load()
	if int(n) >= Capacity() {
		return 0, nil, ErrFull
	}
	ci := n >> chunkBits
	c := a.chunks[ci].Load()
	if c == nil {
		c = new(chunk[T])
		a.chunks[ci].Store(c)
	}
	elem := &c[n&chunkMask]
	if init != nil {
		init(n, elem)
	}
	// Publishing the length last makes the element visible only once it
	// is fully initialized.
	a.n.Store(n + 1)
	return n, elem, nil
}

// Get returns the element for handle h.
func (a *Arena[T]) Get(h uint32) (*T, bool) {
	if h >= a.n.Load() {
		return nil, false
	}
	c := a.chunks[h>>chunkBits].Load()
	return &c[h&chunkMask], true
}

// Len returns the number of allocated handles.
func (a *Arena[T]) Len() int {
	return int(a.n.Load())
}

// Each calls fn for every allocated element in handle order. Elements
// appended during the walk may or may not be visited.
func (a *Arena[T]) Each(fn func(h uint32, elem *T) bool) {
	n := a.n.Load()
	for h := uint32(0); h < n; h++ {
		c := a.chunks[h>>chunkBits].Load()
		if !fn(h, &c[h&chunkMask]) {
			return
		}
	}
}
