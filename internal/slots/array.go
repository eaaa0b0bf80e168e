package slots

import (
	"fmt"
	"math"
	"unsafe"

	"fortio.org/safecast"

	"shapeshift/internal/value"
)

// Tier is the storage tier of a slot array.
type Tier uint8

const (
	// TierEmbedded is the fixed buffer allocated with the object itself.
	TierEmbedded Tier = iota
	// TierExtended is a separately allocated growable buffer.
	TierExtended
)

func (t Tier) String() string {
	switch t {
	case TierEmbedded:
		return "embedded"
	case TierExtended:
		return "extended"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// MaxCapacity is the largest capacity a slot index can address.
const MaxCapacity = math.MaxUint32

var valueSize = int(unsafe.Sizeof(value.Value{}))

// Array is a per-owner sequence of property values. The occupied length is
// implied by the owner's shape; the rest reads as undefined. Array is not
// safe for concurrent mutation; its owner serializes writes.
type Array struct {
	tier Tier
	vals []value.Value
	th   *TransientHeap // non-nil while the buffer lives in a transient heap
}

// NewEmbedded returns an embedded array with fixed capacity n.
func NewEmbedded(n uint32) Array {
	return Array{tier: TierEmbedded, vals: make([]value.Value, n)}
}

// NewExtended returns an extended array with capacity n.
func NewExtended(n uint32) Array {
	return Array{tier: TierExtended, vals: make([]value.Value, n)}
}

// Tier returns the storage tier.
func (a *Array) Tier() Tier { return a.tier }

// Cap returns the capacity in slots.
func (a *Array) Cap() int { return len(a.vals) }

// Transient reports whether the buffer lives in a transient heap.
func (a *Array) Transient() bool { return a.th != nil }

// Get returns slot i, or undefined when i is past the capacity.
func (a *Array) Get(i uint32) value.Value {
	if int(i) >= len(a.vals) {
		return value.Undef()
	}
	return a.vals[i]
}

// Set writes slot i. The caller must have ensured capacity.
func (a *Array) Set(i uint32, v value.Value) {
	if int(i) >= len(a.vals) {
		panic(&InvariantError{Op: "set", Detail: fmt.Sprintf("slot %d out of bounds (cap %d)", i, len(a.vals))})
	}
	a.vals[i] = v
}

// Values returns the first n slots. The slice aliases the array.
func (a *Array) Values(n uint32) []value.Value {
	if int(n) > len(a.vals) {
		n = uint32(len(a.vals))
	}
	return a.vals[:n]
}

// Each calls fn for the first n slots in index order.
func (a *Array) Each(n uint32, fn func(i uint32, v value.Value) bool) {
	for i, v := range a.Values(n) {
		if !fn(uint32(i), v) {
			return
		}
	}
}

// Clear drops every value and returns the buffer to the regular heap.
func (a *Array) Clear() {
	a.release()
	a.vals = nil
	a.tier = TierExtended
}

// Ensure guarantees room for required slots. An embedded array that needs
// more than its fixed capacity moves to the extended tier for good; an
// extended array grows geometrically and never below class. When th is
// non-nil the new buffer is taken from it if it has room.
func (a *Array) Ensure(required int, class uint32, th *TransientHeap) {
	need, err := safecast.Conv[uint32](required)
	if err != nil {
		panic(&InvariantError{Op: "ensure", Detail: fmt.Sprintf("slot request %d exceeds index width: %v", required, err)})
	}
	if int(need) <= len(a.vals) {
		return
	}

	c := uint64(len(a.vals)) * 2
	if c < uint64(class) {
		c = uint64(class)
	}
	if c == 0 {
		c = 1
	}
	for c < uint64(need) {
		c *= 2
	}
	if c > MaxCapacity {
		c = MaxCapacity
	}
	n, err := safecast.Conv[int](c)
	if err != nil {
		panic(&InvariantError{Op: "ensure", Detail: err.Error()})
	}

	var buf []value.Value
	var owner *TransientHeap
	if th != nil {
		if b, ok := th.alloc(n); ok {
			buf, owner = b, th
		}
	}
	if buf == nil {
		buf = make([]value.Value, n)
	}
	copy(buf, a.vals)
	a.release()
	a.vals = buf
	a.th = owner
	a.tier = TierExtended
}

// Evacuate copies a transient buffer to the regular heap. It reports whether
// anything was moved.
func (a *Array) Evacuate() bool {
	if a.th == nil {
		return false
	}
	buf := make([]value.Value, len(a.vals))
	copy(buf, a.vals)
	a.release()
	a.vals = buf
	return true
}

// UpdateReferences rewrites references to moved objects and returns how many
// slots changed.
func (a *Array) UpdateReferences(f value.Forwarder) int {
	n := 0
	for i, v := range a.vals {
		if nv, ok := v.Forward(f); ok {
			a.vals[i] = nv
			n++
		}
	}
	return n
}

// Memsize returns the bytes held outside the owner. Embedded and transient
// buffers report zero.
func (a *Array) Memsize() int {
	if a.tier == TierEmbedded || a.th != nil {
		return 0
	}
	return len(a.vals) * valueSize
}

// Clone returns an independent copy on the regular heap in the same tier.
func (a *Array) Clone() Array {
	buf := make([]value.Value, len(a.vals))
	copy(buf, a.vals)
	return Array{tier: a.tier, vals: buf}
}

func (a *Array) release() {
	if a.th != nil {
		a.th.release()
		a.th = nil
	}
}

// InvariantError reports a slot array invariant violation. It is raised by
// panic only.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("slot array invariant violated in %s: %s", e.Op, e.Detail)
}
