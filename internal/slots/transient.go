package slots

import (
	"fmt"
	"sync"

	"shapeshift/internal/value"
)

// TransientHeap is a bump arena for short-lived slot buffers. The collector
// reclaims it in bulk with Reset once every buffer has been evacuated.
type TransientHeap struct {
	mu   sync.Mutex
	buf  []value.Value
	used int
	live int
	gen  uint64
}

// NewTransientHeap returns a heap holding up to slots values.
func NewTransientHeap(slots int) *TransientHeap {
	if slots < 0 {
		slots = 0
	}
	return &TransientHeap{buf: make([]value.Value, slots)}
}

func (h *TransientHeap) alloc(n int) ([]value.Value, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || h.used+n > len(h.buf) {
		return nil, false
	}
	b := h.buf[h.used : h.used+n : h.used+n]
	h.used += n
	h.live++
	return b, true
}

func (h *TransientHeap) release() {
	h.mu.Lock()
	h.live--
	h.mu.Unlock()
}

// Live returns the number of arrays whose buffers live in the heap.
func (h *TransientHeap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Used returns the number of slots handed out since the last reset.
func (h *TransientHeap) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Generation counts completed resets.
func (h *TransientHeap) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// Reset reclaims the whole heap. Every array must have been evacuated first.
func (h *TransientHeap) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live != 0 {
		panic(&InvariantError{Op: "reset", Detail: fmt.Sprintf("%d arrays still live in transient heap", h.live)})
	}
	clear(h.buf[:h.used])
	h.used = 0
	h.gen++
}
