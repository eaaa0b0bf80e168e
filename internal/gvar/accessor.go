package gvar

import (
	"context"
	"sync/atomic"

	"shapeshift/internal/isolate"
	"shapeshift/internal/value"
)

// Accessor is the capability behind a global. Get and Set run for every
// read and write of the global from a permitted domain.
type Accessor interface {
	Get(ctx context.Context, name string) value.Value
	Set(ctx context.Context, name string, v value.Value) error
}

// Marker is implemented by accessors that hold heap references the
// collector must see.
type Marker interface {
	Mark(fn func(value.Value))
	UpdateReferences(f value.Forwarder) int
}

// Getter reads a global through an external function.
type Getter func(ctx context.Context, name string) value.Value

// Setter writes a global through an external function.
type Setter func(ctx context.Context, name string, v value.Value) error

// cell is the default storage of a global.
type cell struct {
	v atomic.Pointer[value.Value]
}

func newCell(v value.Value) *cell {
	c := &cell{}
	c.v.Store(&v)
	return c
}

func (c *cell) load() value.Value {
	if p := c.v.Load(); p != nil {
		return *p
	}
	return value.Undef()
}

func (c *cell) store(v value.Value) { c.v.Store(&v) }

func (c *cell) Get(context.Context, string) value.Value { return c.load() }

func (c *cell) Set(_ context.Context, _ string, v value.Value) error {
	c.store(v)
	return nil
}

func (c *cell) Mark(fn func(value.Value)) { fn(c.load()) }

func (c *cell) UpdateReferences(f value.Forwarder) int {
	if nv, ok := c.load().Forward(f); ok {
		c.store(nv)
		return 1
	}
	return 0
}

// Funcs adapts a getter and setter pair. A nil Setter makes the global
// read-only; a nil Getter reads undefined.
type Funcs struct {
	Getter Getter
	Setter Setter
}

func (f Funcs) Get(ctx context.Context, name string) value.Value {
	if f.Getter == nil {
		return value.Undef()
	}
	return f.Getter(ctx, name)
}

func (f Funcs) Set(ctx context.Context, name string, v value.Value) error {
	if f.Setter == nil {
		return ReadOnlySetter(ctx, name, v)
	}
	return f.Setter(ctx, name, v)
}

// ReadOnly returns an accessor whose setter rejects every write.
func ReadOnly(getter Getter) Accessor {
	return Funcs{Getter: getter}
}

// ReadOnlySetter rejects a write with ErrReadOnly.
func ReadOnlySetter(ctx context.Context, name string, _ value.Value) error {
	return &Error{Kind: ErrReadOnly, Name: name, Domain: isolate.FromContext(ctx).String()}
}

// localKey addresses one global's cell in a domain's local storage.
type localKey struct {
	t    *Table
	name string
}

// local keeps one cell per domain. A domain's first access creates its own
// cell holding undefined; no domain ever sees another's cell.
type local struct {
	key localKey
}

func (l local) cell(ctx context.Context) *cell {
	d := isolate.FromContext(ctx)
	return d.LoadOrStoreLocal(l.key, func() any { return &cell{} }).(*cell)
}

func (l local) Get(ctx context.Context, _ string) value.Value {
	return l.cell(ctx).load()
}

func (l local) Set(ctx context.Context, _ string, v value.Value) error {
	l.cell(ctx).store(v)
	return nil
}

// defined reports whether the calling domain's cell holds a value, without
// creating the cell.
func (l local) defined(ctx context.Context) bool {
	v, ok := isolate.FromContext(ctx).Local(l.key)
	return ok && !v.(*cell).load().IsUndef()
}

func (l local) Mark(fn func(value.Value)) {
	isolate.Each(func(d *isolate.Domain) bool {
		if v, ok := d.Local(l.key); ok {
			fn(v.(*cell).load())
		}
		return true
	})
}

func (l local) UpdateReferences(f value.Forwarder) int {
	n := 0
	isolate.Each(func(d *isolate.Domain) bool {
		if v, ok := d.Local(l.key); ok {
			n += v.(*cell).UpdateReferences(f)
		}
		return true
	})
	return n
}
