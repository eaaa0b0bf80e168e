package ivar

import (
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"shapeshift/internal/gentbl"
	"shapeshift/internal/shape"
	"shapeshift/internal/slots"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

// Storage is where an object's table currently lives.
type Storage uint8

const (
	StorageEmbedded Storage = iota
	StorageExtended
	StorageExternal
)

func (s Storage) String() string {
	switch s {
	case StorageEmbedded:
		return "embedded"
	case StorageExtended:
		return "extended"
	case StorageExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Object is a heap object as seen by the property engine. Its address is
// the identity the collector may change. Property writes to one object are
// serialized by its own lock; different objects never contend.
type Object struct {
	mu     sync.RWMutex
	addr   atomic.Uint64
	layout *layoutInfo
	tbl    slots.Table // unused for generic layouts
	pinned bool        // growth may not use the transient heap
	freed  bool
}

// Addr returns the object's current identity.
func (o *Object) Addr() value.Addr { return value.Addr(o.addr.Load()) }

// Layout returns the object's base layout.
func (o *Object) Layout() Layout { return o.layout.Layout }

// NewObject allocates an object of the named layout at addr.
func (rt *Runtime) NewObject(layout string, addr value.Addr) (*Object, error) {
	l, ok := rt.layouts[layout]
	if !ok {
		return nil, &Error{Kind: ErrUnknownLayout, Layout: layout, Addr: addr}
	}
	o := &Object{layout: l, pinned: rt.th == nil}
	o.addr.Store(uint64(addr))
	if !l.Generic() {
		o.tbl = slots.Table{Shape: l.root, Array: slots.NewEmbedded(l.Embedded)}
	}
	return o, nil
}

// readTable locks o for reading and returns its table. The table is nil for
// a generic object that has no side-table entry yet.
func (rt *Runtime) readTable(o *Object) (*slots.Table, func()) {
	o.mu.RLock()
	if !o.layout.Generic() {
		return &o.tbl, o.mu.RUnlock
	}
	e, ok := rt.generic.Get(o.Addr())
	if !ok {
		return nil, o.mu.RUnlock
	}
	e.RLock()
	return &e.Table, func() {
		e.RUnlock()
		o.mu.RUnlock()
	}
}

// writeTable locks o for writing and returns its table, creating the
// side-table entry of a generic object when create is set.
func (rt *Runtime) writeTable(o *Object, create bool) (*slots.Table, func()) {
	o.mu.Lock()
	if !o.layout.Generic() {
		return &o.tbl, o.mu.Unlock
	}
	var e *gentbl.Entry
	if create {
		e, _ = rt.generic.GetOrCreate(o.Addr(), o.layout.root)
	} else if got, ok := rt.generic.Get(o.Addr()); ok {
		e = got
	}
	if e == nil {
		return nil, o.mu.Unlock
	}
	e.Lock()
	return &e.Table, func() {
		e.Unlock()
		o.mu.Unlock()
	}
}

func (rt *Runtime) shapeOf(o *Object, t *slots.Table) shape.ID {
	if t == nil {
		return o.layout.root
	}
	return t.Shape
}

func (rt *Runtime) edgeKind(o *Object) shape.Kind {
	if o.layout.Generic() {
		return shape.KindExternalIvar
	}
	return shape.KindIvar
}

func (rt *Runtime) heapFor(o *Object) *slots.TransientHeap {
	if o.pinned || o.layout.Generic() {
		return nil
	}
	return rt.th
}

// lookup resolves key in t.
func (rt *Runtime) lookup(t *slots.Table, key shape.Key) (value.Value, bool) {
	if t == nil {
		return value.Undef(), false
	}
	if t.Complex() {
		v, ok := t.Dict[key]
		return v, ok
	}
	idx, ok := rt.shapes.Index(t.Shape, key)
	if !ok {
		return value.Undef(), false
	}
	return t.Array.Get(idx), true
}

// assign writes key in t. The frozen check happens before any mutation.
func (rt *Runtime) assign(o *Object, t *slots.Table, key shape.Key, v value.Value) error {
	cur := rt.shapes.Get(t.Shape)
	if cur.Frozen() {
		return &Error{Kind: ErrFrozen, Key: key, Addr: o.Addr()}
	}
	if t.Complex() {
		t.Put(key, v)
		return nil
	}
	if idx, ok := rt.shapes.Index(t.Shape, key); ok {
		t.Array.Set(idx, v)
		return nil
	}

	next := rt.shapes.Transition(t.Shape, key, rt.edgeKind(o))
	ns := rt.shapes.Get(next)
	if ns.TooComplex() {
		rt.toDict(o, t, next, "cap")
		t.Put(key, v)
		return nil
	}
	t.Array.Ensure(int(ns.NextSlot()), ns.Capacity(), rt.heapFor(o))
	t.Array.Set(ns.NextSlot()-1, v)
	t.Shape = next
	return nil
}

// toDict migrates t to dictionary storage under the too-complex shape tc.
// The object never returns to indexed storage.
func (rt *Runtime) toDict(o *Object, t *slots.Table, tc shape.ID, reason string) {
	if t.Complex() {
		t.Shape = tc
		return
	}
	keys := rt.shapes.Keys(t.Shape)
	vals := make([]value.Value, len(keys))
	for i := range keys {
		vals[i] = t.Array.Get(uint32(i))
	}
	t.Array.Clear()
	t.SetDict(keys, vals)
	t.Shape = tc
	trace.Point(rt.tracer, trace.ScopeObject, "ivar.dict", reason,
		"addr", o.Addr().String(), "layout", o.layout.Name)
}

// Get returns the value of key, or undefined when o does not have it.
func (rt *Runtime) Get(o *Object, key shape.Key) value.Value {
	return rt.Lookup(o, key, value.Undef())
}

// Lookup returns the value of key, or undef when o does not have it.
func (rt *Runtime) Lookup(o *Object, key shape.Key, undef value.Value) value.Value {
	t, unlock := rt.readTable(o)
	defer unlock()
	if v, ok := rt.lookup(t, key); ok {
		return v
	}
	return undef
}

// Defined reports whether o has key.
func (rt *Runtime) Defined(o *Object, key shape.Key) bool {
	t, unlock := rt.readTable(o)
	defer unlock()
	_, ok := rt.lookup(t, key)
	return ok
}

// Set assigns key on o, adding the property when it is new.
func (rt *Runtime) Set(o *Object, key shape.Key, v value.Value) error {
	t, unlock := rt.writeTable(o, true)
	defer unlock()
	return rt.assign(o, t, key, v)
}

// Delete removes key from o and returns its last value. The object moves to
// dictionary storage for good.
func (rt *Runtime) Delete(o *Object, key shape.Key) (value.Value, error) {
	t, unlock := rt.writeTable(o, false)
	defer unlock()
	if t == nil {
		return value.Undef(), &Error{Kind: ErrNotDefined, Key: key, Addr: o.Addr()}
	}
	if rt.shapes.Get(t.Shape).Frozen() {
		return value.Undef(), &Error{Kind: ErrFrozen, Key: key, Addr: o.Addr()}
	}
	old, ok := rt.lookup(t, key)
	if !ok {
		return value.Undef(), &Error{Kind: ErrNotDefined, Key: key, Addr: o.Addr()}
	}
	rt.toDict(o, t, rt.shapes.TooComplex(t.Shape), "delete")
	t.Remove(key)
	return old, nil
}

// Freeze moves o into the frozen lineage of its shape.
func (rt *Runtime) Freeze(o *Object) {
	t, unlock := rt.writeTable(o, true)
	defer unlock()
	next := rt.shapes.Freeze(t.Shape)
	if rt.shapes.Get(next).TooComplex() && !t.Complex() {
		rt.toDict(o, t, next, "freeze")
		return
	}
	t.Shape = next
}

// Frozen reports whether o is frozen.
func (rt *Runtime) Frozen(o *Object) bool {
	t, unlock := rt.readTable(o)
	defer unlock()
	return rt.shapes.Get(rt.shapeOf(o, t)).Frozen()
}

// ShapeOf returns o's current shape.
func (rt *Runtime) ShapeOf(o *Object) shape.ID {
	t, unlock := rt.readTable(o)
	defer unlock()
	return rt.shapeOf(o, t)
}

// StorageOf returns the storage tier backing o.
func (rt *Runtime) StorageOf(o *Object) Storage {
	if o.layout.Generic() {
		return StorageExternal
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.tbl.Array.Tier() == slots.TierEmbedded && !o.tbl.Complex() {
		return StorageEmbedded
	}
	return StorageExtended
}

// Keys returns o's property keys in insertion order: slot order for indexed
// objects, first-write order for dictionary-mode ones. A deleted key that is
// written again goes last.
func (rt *Runtime) Keys(o *Object) []shape.Key {
	t, unlock := rt.readTable(o)
	defer unlock()
	return rt.keys(t)
}

func (rt *Runtime) keys(t *slots.Table) []shape.Key {
	if t == nil {
		return nil
	}
	if !t.Complex() {
		return rt.shapes.Keys(t.Shape)
	}
	return slices.Clone(t.Order)
}

// Each calls fn for every property of o in Keys order. fn must not modify o.
func (rt *Runtime) Each(o *Object, fn func(key shape.Key, v value.Value) bool) {
	t, unlock := rt.readTable(o)
	defer unlock()
	for _, k := range rt.keys(t) {
		v, _ := rt.lookup(t, k)
		if !fn(k, v) {
			return
		}
	}
}

// Count returns the number of properties of o.
func (rt *Runtime) Count(o *Object) int {
	t, unlock := rt.readTable(o)
	defer unlock()
	if t == nil {
		return 0
	}
	if t.Complex() {
		return len(t.Dict)
	}
	return int(rt.shapes.Get(t.Shape).NextSlot())
}

// Copy copies every property of src onto dst. Replaying src's insertion
// order from the same root lands dst on src's shape; dictionary mode
// carries over and the frozen bit does not.
func (rt *Runtime) Copy(dst, src *Object) error {
	if dst == src {
		return nil
	}
	t, unlock := rt.readTable(src)
	keys := rt.keys(t)
	vals := make([]value.Value, len(keys))
	for i, k := range keys {
		vals[i], _ = rt.lookup(t, k)
	}
	dict := t != nil && t.Complex()
	unlock()

	d, unlockDst := rt.writeTable(dst, true)
	defer unlockDst()
	if rt.shapes.Get(d.Shape).Frozen() {
		return &Error{Kind: ErrFrozen, Addr: dst.Addr()}
	}
	if dict && !d.Complex() {
		rt.toDict(dst, d, rt.shapes.TooComplex(d.Shape), "copy")
	}
	for i, k := range keys {
		if err := rt.assign(dst, d, k, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// Memsize approximates the bytes o uses for property storage.
func (rt *Runtime) Memsize(o *Object) int {
	n := int(unsafe.Sizeof(Object{}))
	if o.layout.Generic() {
		return n + rt.generic.Memsize(o.Addr())
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return n + o.tbl.Memsize()
}
