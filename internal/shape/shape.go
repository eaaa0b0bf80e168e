package shape

import (
	"fmt"
	"sync/atomic"
)

// ID is a stable handle to a Shape inside its Registry.
type ID uint32

// InvalidID is never assigned to a shape.
const InvalidID ID = 0

// Key names a property. Only presence and order of first introduction of a
// key influence the shape an object ends up with; values never do.
type Key string

// Kind tags the edge that produced a shape.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	// KindIvar adds a property stored in the object's own slot array.
	KindIvar
	// KindExternalIvar adds a property stored in a side-table entry.
	KindExternalIvar
	// KindFrozen marks the object immutable.
	KindFrozen
	// KindTooComplex means the object keeps its properties in a dictionary.
	KindTooComplex
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindIvar:
		return "ivar"
	case KindExternalIvar:
		return "external"
	case KindFrozen:
		return "frozen"
	case KindTooComplex:
		return "too-complex"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AddsProperty reports whether an edge of this kind introduces a slot.
func (k Kind) AddsProperty() bool {
	return k == KindIvar || k == KindExternalIvar
}

// Shape describes which properties an object has, in which order, and at
// which slot index each one lives. A published Shape is never modified.
type Shape struct {
	id       ID
	parent   ID
	root     ID
	edge     Key
	kind     Kind
	nextSlot uint32
	capacity uint32
	depth    uint32
	frozen   bool
	layout   string

	// Registry bookkeeping. These do not change what the shape describes.
	children   atomic.Uint32 // property-adding children claimed
	variations atomic.Uint32 // meaningful on roots only
	index      atomic.Pointer[slotRange]
}

// ID returns the shape's handle.
func (s *Shape) ID() ID { return s.id }

// Parent returns the predecessor shape, or InvalidID for a root.
func (s *Shape) Parent() ID { return s.parent }

// Root returns the root of the shape's tree.
func (s *Shape) Root() ID { return s.root }

// Edge returns the key whose addition produced this shape. It is empty for
// roots, frozen and too-complex shapes.
func (s *Shape) Edge() Key { return s.edge }

// Kind returns the kind of edge that produced the shape.
func (s *Shape) Kind() Kind { return s.kind }

// NextSlot is the slot index the next property added from this shape gets.
// It is also the number of occupied slots of an object holding the shape.
func (s *Shape) NextSlot() uint32 { return s.nextSlot }

// Capacity is the capacity class: the minimum slot array capacity an object
// holding this shape must have.
func (s *Shape) Capacity() uint32 { return s.capacity }

// Depth is the number of edges between the root and this shape.
func (s *Shape) Depth() uint32 { return s.depth }

// Frozen reports whether the shape is in a frozen lineage.
func (s *Shape) Frozen() bool { return s.frozen }

// TooComplex reports whether objects with this shape use dictionary storage.
func (s *Shape) TooComplex() bool { return s.kind == KindTooComplex }

// Layout returns the name of the base layout the tree is rooted at.
func (s *Shape) Layout() string { return s.layout }

// InvariantError reports a broken internal invariant. The registry panics
// with it; callers never see it as an error return.
type InvariantError struct {
	Op     string
	Shape  ID
	Detail string
}

func (e *InvariantError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("shape invariant violated in %s (shape#%d): %s", e.Op, e.Shape, e.Detail)
}
