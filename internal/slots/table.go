// Package slots holds per-object property storage: the slot array with its
// embedded and extended tiers, the transient heap, and Table, the
// {shape, slots} record shared by inline storage and side-table entries.
package slots

import (
	"slices"
	"unsafe"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

// Table is the storage record for one object. Dict is non-nil only once the
// object's shape is too complex; from then on Array is unused and Order
// lists Dict's keys in insertion order.
type Table struct {
	Shape shape.ID
	Array Array
	Dict  map[shape.Key]value.Value
	Order []shape.Key
}

// Complex reports whether the table is in dictionary mode.
func (t *Table) Complex() bool { return t.Dict != nil }

// SetDict switches t to dictionary mode with keys in the given order.
func (t *Table) SetDict(keys []shape.Key, vals []value.Value) {
	t.Dict = make(map[shape.Key]value.Value, len(keys)+1)
	t.Order = make([]shape.Key, 0, len(keys)+1)
	for i, k := range keys {
		t.Put(k, vals[i])
	}
}

// Put stores key in dictionary mode. A new key goes after every existing
// one; overwriting keeps its position.
func (t *Table) Put(key shape.Key, v value.Value) {
	if _, ok := t.Dict[key]; !ok {
		t.Order = append(t.Order, key)
	}
	t.Dict[key] = v
}

// Remove deletes key in dictionary mode and reports whether it was present.
func (t *Table) Remove(key shape.Key) bool {
	if _, ok := t.Dict[key]; !ok {
		return false
	}
	delete(t.Dict, key)
	if i := slices.Index(t.Order, key); i >= 0 {
		t.Order = slices.Delete(t.Order, i, i+1)
	}
	return true
}

// Reset drops dictionary storage.
func (t *Table) Reset() {
	t.Dict = nil
	t.Order = nil
}

// UpdateReferences forwards references in both representations.
func (t *Table) UpdateReferences(f value.Forwarder) int {
	n := t.Array.UpdateReferences(f)
	for k, v := range t.Dict {
		if nv, ok := v.Forward(f); ok {
			t.Dict[k] = nv
			n++
		}
	}
	return n
}

// Memsize approximates the bytes held outside the owner.
func (t *Table) Memsize() int {
	n := t.Array.Memsize()
	for k := range t.Dict {
		n += len(k) + 2*int(unsafe.Sizeof(k)) + valueSize
	}
	return n
}
