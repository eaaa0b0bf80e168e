// Package ivar implements object properties on top of shapes. One lookup
// and assignment algorithm runs over a slots.Table; objects differ only in
// where that table lives: inside the object for kinds with a slot budget,
// or in a generic side-table entry for kinds without one.
package ivar

import (
	"fmt"
	"sort"

	"shapeshift/internal/gentbl"
	"shapeshift/internal/shape"
	"shapeshift/internal/slots"
	"shapeshift/internal/trace"
)

// Layout is one row of the per-kind capacity table. Embedded is the number
// of slots allocated with each object; zero means objects of this kind keep
// their properties in the generic side table.
type Layout struct {
	Name     string
	Embedded uint32
}

// Generic reports whether objects of this layout use the side table.
func (l Layout) Generic() bool { return l.Embedded == 0 }

// Config configures a Runtime.
type Config struct {
	Shapes         shape.Config
	Layouts        []Layout
	TransientHeap  bool
	TransientSlots int
	GenericShards  int
}

// DefaultConfig returns a runtime configuration with an "object" layout of
// three embedded slots and a side-table "class" layout.
func DefaultConfig() Config {
	return Config{
		Shapes: shape.DefaultConfig(),
		Layouts: []Layout{
			{Name: "object", Embedded: 3},
			{Name: "class", Embedded: 0},
		},
		TransientHeap:  true,
		TransientSlots: 1 << 16,
		GenericShards:  64,
	}
}

type layoutInfo struct {
	Layout
	root shape.ID
}

// Runtime owns the shape registry, the generic side table and the transient
// heap shared by every object it allocates.
type Runtime struct {
	shapes  *shape.Registry
	generic *gentbl.Table
	th      *slots.TransientHeap
	layouts map[string]*layoutInfo
	tracer  trace.Tracer
}

// NewRuntime builds a runtime and creates the root shape of every layout.
func NewRuntime(cfg Config, tracer trace.Tracer) (*Runtime, error) {
	tracer = trace.OrNop(tracer)
	rt := &Runtime{
		shapes:  shape.NewRegistry(cfg.Shapes, tracer),
		generic: gentbl.New(cfg.GenericShards, tracer),
		layouts: make(map[string]*layoutInfo, len(cfg.Layouts)),
		tracer:  tracer,
	}
	if cfg.TransientHeap && cfg.TransientSlots > 0 {
		rt.th = slots.NewTransientHeap(cfg.TransientSlots)
	}
	for _, l := range cfg.Layouts {
		if l.Name == "" {
			return nil, fmt.Errorf("ivar: layout without a name")
		}
		if _, dup := rt.layouts[l.Name]; dup {
			return nil, fmt.Errorf("ivar: duplicate layout %q", l.Name)
		}
		rt.layouts[l.Name] = &layoutInfo{Layout: l, root: rt.shapes.Root(l.Name, l.Embedded)}
	}
	return rt, nil
}

// Shapes returns the shape registry.
func (rt *Runtime) Shapes() *shape.Registry { return rt.shapes }

// Generic returns the generic side table.
func (rt *Runtime) Generic() *gentbl.Table { return rt.generic }

// TransientHeap returns the transient heap, or nil when disabled.
func (rt *Runtime) TransientHeap() *slots.TransientHeap { return rt.th }

// Tracer returns the runtime tracer.
func (rt *Runtime) Tracer() trace.Tracer { return rt.tracer }

// Layouts returns the configured layouts ordered by name.
func (rt *Runtime) Layouts() []Layout {
	out := make([]Layout, 0, len(rt.layouts))
	for _, l := range rt.layouts {
		out = append(out, l.Layout)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InitialShape returns the root shape for objects of a layout.
func (rt *Runtime) InitialShape(layout string) (shape.ID, error) {
	l, ok := rt.layouts[layout]
	if !ok {
		return shape.InvalidID, &Error{Kind: ErrUnknownLayout, Layout: layout}
	}
	return l.root, nil
}
