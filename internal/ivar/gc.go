package ivar

import (
	"shapeshift/internal/shape"
	"shapeshift/internal/slots"
	"shapeshift/internal/value"
)

// Collector hooks. The runtime never assumes an object keeps its address
// between two of these calls.

// MarkAllShapes hands every property key referenced by the shape tree to fn.
func (rt *Runtime) MarkAllShapes(fn func(shape.Key)) {
	rt.shapes.Mark(fn)
}

// MarkGenericTableEntries hands the values of side-table entries whose owner
// is live to fn. A collector that traces through MarkObject reaches the same
// entries from their owners and does not need this pass.
func (rt *Runtime) MarkGenericTableEntries(live func(value.Addr) bool, fn func(value.Value)) {
	rt.generic.Mark(live, fn)
}

// OnObjectRelocated records that o moved from old to new. For generic
// objects the side-table entry is re-keyed before the new address becomes
// visible through o.
func (rt *Runtime) OnObjectRelocated(o *Object, old, new value.Addr) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.layout.Generic() {
		if err := rt.generic.Relocate(old, new); err != nil {
			return err
		}
	}
	o.addr.Store(uint64(new))
	return nil
}

// UpdateReferencesInSlotArray forwards references held by arr and returns
// the number rewritten.
func (rt *Runtime) UpdateReferencesInSlotArray(arr *slots.Array, f value.Forwarder) int {
	return arr.UpdateReferences(f)
}

// UpdateReferences forwards references held inline by o. Side-table entries
// are updated in one pass by UpdateGenericReferences.
func (rt *Runtime) UpdateReferences(o *Object, f value.Forwarder) int {
	if o.layout.Generic() {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	if o.tbl.Complex() {
		n = o.tbl.UpdateReferences(f)
	} else {
		n = rt.UpdateReferencesInSlotArray(&o.tbl.Array, f)
	}
	return n
}

// UpdateGenericReferences forwards references held by every side-table
// entry.
func (rt *Runtime) UpdateGenericReferences(f value.Forwarder) int {
	return rt.generic.UpdateReferences(f)
}

// MarkObject hands every property value of o to fn.
func (rt *Runtime) MarkObject(o *Object, fn func(value.Value)) {
	t, unlock := rt.readTable(o)
	defer unlock()
	if t == nil {
		return
	}
	if t.Complex() {
		for _, v := range t.Dict {
			fn(v)
		}
		return
	}
	t.Array.Each(rt.shapes.Get(t.Shape).NextSlot(), func(_ uint32, v value.Value) bool {
		fn(v)
		return true
	})
}

// Free releases o's property storage. Generic objects lose their side-table
// entry. Freeing twice is a no-op.
func (rt *Runtime) Free(o *Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return
	}
	o.freed = true
	if o.layout.Generic() {
		rt.generic.Remove(o.Addr())
		return
	}
	o.tbl.Array.Clear()
	o.tbl.Reset()
}

// MoveGeneric transfers the side-table properties of src to dst. Both must
// be generic objects.
func (rt *Runtime) MoveGeneric(dst, src *Object) error {
	for _, o := range []*Object{dst, src} {
		if !o.layout.Generic() {
			return &Error{Kind: ErrNotGeneric, Addr: o.Addr(), Layout: o.layout.Name}
		}
	}
	first, second := src, dst
	if dst.Addr() < src.Addr() {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	return rt.generic.Move(src.Addr(), dst.Addr())
}
