// Package testkit holds invariant checkers shared by tests and the
// inspect command.
package testkit

import (
	"fmt"

	"fortio.org/safecast"

	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
)

// CheckShapeTree walks every shape and verifies the structural invariants
// of the transition tree:
//  1. each non-root shape has a live parent with the same root and layout
//  2. a property edge adds exactly one slot and its key maps to the last slot
//  3. capacity covers next slot for indexed shapes
//  4. no key appears twice on a path
//  5. frozen shapes have no property children
func CheckShapeTree(reg *shape.Registry) error {
	var err error
	reg.Each(func(s *shape.Shape) bool {
		err = checkShape(reg, s)
		return err == nil
	})
	return err
}

func checkShape(reg *shape.Registry, s *shape.Shape) error {
	id := s.ID()
	if s.Kind() == shape.KindRoot {
		if s.Root() != id || s.Parent() != shape.InvalidID || s.NextSlot() != 0 {
			return fmt.Errorf("shape %d: malformed root", id)
		}
		return nil
	}
	parent := reg.Get(s.Parent())
	if parent.Root() != s.Root() || parent.Layout() != s.Layout() {
		return fmt.Errorf("shape %d: parent %d belongs to another tree", id, parent.ID())
	}
	if s.Depth() != parent.Depth()+1 {
		return fmt.Errorf("shape %d: depth %d under parent depth %d", id, s.Depth(), parent.Depth())
	}
	if parent.Frozen() && s.Kind().AddsProperty() {
		return fmt.Errorf("shape %d: property edge below frozen shape %d", id, parent.ID())
	}
	if s.TooComplex() {
		return nil
	}
	if s.Kind().AddsProperty() {
		if s.NextSlot() != parent.NextSlot()+1 {
			return fmt.Errorf("shape %d: next slot %d after parent's %d", id, s.NextSlot(), parent.NextSlot())
		}
		if idx, ok := reg.Index(id, s.Edge()); !ok || idx != s.NextSlot()-1 {
			return fmt.Errorf("shape %d: key %q indexed at %d, want %d", id, s.Edge(), idx, s.NextSlot()-1)
		}
	} else if s.NextSlot() != parent.NextSlot() {
		return fmt.Errorf("shape %d: %s edge changed next slot", id, s.Kind())
	}
	if s.Capacity() < s.NextSlot() {
		return fmt.Errorf("shape %d: capacity %d below next slot %d", id, s.Capacity(), s.NextSlot())
	}
	keys := reg.Keys(id)
	n, err := safecast.Conv[uint32](len(keys))
	if err != nil {
		return fmt.Errorf("shape %d: key count overflow: %w", id, err)
	}
	if n != s.NextSlot() {
		return fmt.Errorf("shape %d: %d keys for next slot %d", id, n, s.NextSlot())
	}
	seen := make(map[shape.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("shape %d: key %q appears twice on its path", id, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// CheckObject verifies that an object's storage agrees with its shape:
// indexed objects hold one readable value per shape key in a buffer large
// enough for the shape, dictionary objects use a too-complex shape.
func CheckObject(rt *ivar.Runtime, o *ivar.Object) error {
	reg := rt.Shapes()
	s := reg.Get(rt.ShapeOf(o))
	root, err := rt.InitialShape(o.Layout().Name)
	if err != nil {
		return err
	}
	if s.Root() != root {
		return fmt.Errorf("object %s: shape %d outside layout %q", o.Addr(), s.ID(), o.Layout().Name)
	}
	if s.TooComplex() {
		if rt.Count(o) != len(rt.Keys(o)) {
			return fmt.Errorf("object %s: dictionary count mismatch", o.Addr())
		}
		return nil
	}
	keys := rt.Keys(o)
	n, err := safecast.Conv[uint32](len(keys))
	if err != nil {
		return fmt.Errorf("object %s: key count overflow: %w", o.Addr(), err)
	}
	if n != s.NextSlot() {
		return fmt.Errorf("object %s: %d keys, shape %d has %d slots", o.Addr(), n, s.ID(), s.NextSlot())
	}
	if rt.StorageOf(o) == ivar.StorageEmbedded && s.NextSlot() > o.Layout().Embedded {
		return fmt.Errorf("object %s: %d slots exceed embedded budget %d", o.Addr(), s.NextSlot(), o.Layout().Embedded)
	}
	for _, k := range keys {
		if !rt.Defined(o, k) {
			return fmt.Errorf("object %s: key %q not readable", o.Addr(), k)
		}
	}
	return nil
}
