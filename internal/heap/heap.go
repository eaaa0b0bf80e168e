// Package heap is a stand-in object space for the property engine. It hands
// out object identities, never reuses them within a run, and drives the
// collector hooks the engine exposes: marking, sweeping, relocation and
// transient heap reclamation.
package heap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"shapeshift/internal/gvar"
	"shapeshift/internal/ivar"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

const (
	firstAddr   value.Addr = 0x1000
	objectAlign value.Addr = 0x10
)

type slot struct {
	obj     *ivar.Object
	allocID uint64
	alive   bool
	marked  bool
}

// Stats is a snapshot of heap counters.
type Stats struct {
	Live        int
	Freed       int
	Allocated   uint64
	Moves       uint64
	Collections uint64
}

// Heap stores every object allocated for a runtime.
// Addresses are monotonically increasing and never reused within a run.
type Heap struct {
	// world is held shared by mutators and exclusively by collector
	// passes, so no mutator observes a half-finished relocation.
	world sync.RWMutex

	mu          sync.RWMutex
	next        value.Addr
	nextAllocID uint64
	objs        map[value.Addr]*slot
	marking     bool // a mark ran since the last sweep
	rootSets    []RootSet

	rt      *ivar.Runtime
	globals *gvar.Table
	tracer  trace.Tracer

	moves       atomic.Uint64
	collections atomic.Uint64
}

// RootSet reports extra roots to every mark. It runs while collector passes
// hold the heap exclusively.
type RootSet func(push func(value.Addr))

// New creates an empty heap over rt. globals may be nil.
func New(rt *ivar.Runtime, globals *gvar.Table, tracer trace.Tracer) *Heap {
	return &Heap{
		next:        firstAddr,
		nextAllocID: 1,
		objs:        make(map[value.Addr]*slot, 128),
		rt:          rt,
		globals:     globals,
		tracer:      trace.OrNop(tracer),
	}
}

// Runtime returns the property runtime backing the heap.
func (h *Heap) Runtime() *ivar.Runtime { return h.rt }

// Globals returns the global table scanned as a root set.
func (h *Heap) Globals() *gvar.Table { return h.globals }

// AddRoots registers a root set consulted by every mark.
func (h *Heap) AddRoots(rs RootSet) {
	h.mu.Lock()
	h.rootSets = append(h.rootSets, rs)
	h.mu.Unlock()
}

// Mutate runs fn as a mutator. Collector passes wait for it to finish and
// it waits for running collector passes.
func (h *Heap) Mutate(fn func() error) error {
	h.world.RLock()
	defer h.world.RUnlock()
	return fn()
}

// Alloc allocates an object of the named layout.
func (h *Heap) Alloc(layout string) (*ivar.Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.next
	obj, err := h.rt.NewObject(layout, addr)
	if err != nil {
		return nil, err
	}
	h.next += objectAlign
	h.objs[addr] = &slot{obj: obj, allocID: h.nextAllocID, alive: true}
	h.nextAllocID++
	trace.Point(h.tracer, trace.ScopeObject, "heap.alloc", layout, "addr", addr.String())
	return obj, nil
}

// Get returns the live object at addr. It panics with *Error on an invalid
// or freed address.
func (h *Heap) Get(addr value.Addr) *ivar.Object {
	if addr == value.NoAddr {
		h.fault(ErrInvalidAddr, "invalid address 0")
	}
	h.mu.RLock()
	s, ok := h.objs[addr]
	alive := ok && s.alive
	h.mu.RUnlock()
	if !ok {
		h.fault(ErrInvalidAddr, fmt.Sprintf("invalid address %s", addr))
	}
	if !alive {
		h.fault(ErrUseAfterFree, fmt.Sprintf("use after free: %s (alloc=%d)", addr, s.allocID))
	}
	return s.obj
}

// Lookup returns the live object at addr.
func (h *Heap) Lookup(addr value.Addr) (*ivar.Object, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.objs[addr]
	if !ok || !s.alive {
		return nil, false
	}
	return s.obj, true
}

// Free releases the object at addr and its property storage.
func (h *Heap) Free(addr value.Addr) {
	h.mu.Lock()
	s, ok := h.objs[addr]
	if !ok || addr == value.NoAddr {
		h.mu.Unlock()
		h.fault(ErrInvalidAddr, fmt.Sprintf("invalid address %s", addr))
	}
	if !s.alive {
		h.mu.Unlock()
		h.fault(ErrDoubleFree, fmt.Sprintf("double free: %s (alloc=%d)", addr, s.allocID))
	}
	s.alive = false
	h.mu.Unlock()

	h.rt.Free(s.obj)
	trace.Point(h.tracer, trace.ScopeObject, "heap.free", "", "addr", addr.String())
}

// Each visits live objects in address order until fn returns false.
func (h *Heap) Each(fn func(addr value.Addr, obj *ivar.Object) bool) {
	for _, addr := range h.liveAddrs() {
		obj, ok := h.Lookup(addr)
		if !ok {
			continue
		}
		if !fn(addr, obj) {
			return
		}
	}
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.objs {
		if s.alive {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of heap counters.
func (h *Heap) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		Allocated:   h.nextAllocID - 1,
		Moves:       h.moves.Load(),
		Collections: h.collections.Load(),
	}
	for _, s := range h.objs {
		if s.alive {
			st.Live++
		} else {
			st.Freed++
		}
	}
	return st
}

func (h *Heap) liveAddrs() []value.Addr {
	h.mu.RLock()
	out := make([]value.Addr, 0, len(h.objs))
	for a, s := range h.objs {
		if s.alive {
			out = append(out, a)
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Heap) fault(code Code, msg string) {
	trace.Point(h.tracer, trace.ScopeRuntime, "heap.fault", msg, "code", code.String())
	panic(&Error{Code: code, Message: msg})
}
