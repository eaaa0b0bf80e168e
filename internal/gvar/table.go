// Package gvar implements the global variable table. Lookups read an
// immutable name index published through an atomic pointer; definitions
// copy the index under a single writer lock. Shared globals belong to the
// domain that declared them. Isolation-local globals keep one cell per
// domain, so no domain ever observes another's value.
package gvar

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"shapeshift/internal/isolate"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

// TraceFunc observes successful writes to a global.
type TraceFunc func(ctx context.Context, name string, v value.Value)

type entry struct {
	name   string
	acc    Accessor
	local  bool
	owner  *isolate.Domain
	traces []TraceFunc
}

// Table is a name-indexed table of globals.
type Table struct {
	mu     sync.Mutex
	index  atomic.Pointer[map[string]*entry]
	tracer trace.Tracer
}

// New returns an empty table.
func New(tracer trace.Tracer) *Table {
	t := &Table{tracer: trace.OrNop(tracer)}
	m := map[string]*entry{}
	t.index.Store(&m)
	return t
}

func (t *Table) lookup(name string) *entry {
	return (*t.index.Load())[name]
}

// update replaces the entry for name with the result of fn, which receives
// the current entry or nil. Returning nil leaves the table unchanged.
func (t *Table) update(name string, fn func(cur *entry) *entry) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.index.Load()
	next := fn(old[name])
	if next == nil {
		return old[name]
	}
	m := make(map[string]*entry, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[name] = next
	t.index.Store(&m)
	return next
}

// check enforces domain affinity for shared globals.
func (t *Table) check(ctx context.Context, e *entry) error {
	if e.local {
		return nil
	}
	d := isolate.FromContext(ctx)
	if d != e.owner {
		return &Error{Kind: ErrIsolation, Name: e.name, Domain: d.String(), Owner: e.owner.String()}
	}
	return nil
}

// Get reads a global. An undeclared name reads as undefined without error.
func (t *Table) Get(ctx context.Context, name string) (value.Value, error) {
	e := t.lookup(name)
	if e == nil {
		return value.Undef(), nil
	}
	if err := t.check(ctx, e); err != nil {
		return value.Undef(), err
	}
	return e.acc.Get(ctx, name), nil
}

// Set writes a global, declaring it in the calling domain on first write.
func (t *Table) Set(ctx context.Context, name string, v value.Value) error {
	e := t.lookup(name)
	if e == nil {
		d := isolate.FromContext(ctx)
		e = t.update(name, func(cur *entry) *entry {
			if cur != nil {
				return nil
			}
			return &entry{name: name, acc: newCell(value.Undef()), owner: d}
		})
	}
	if err := t.check(ctx, e); err != nil {
		return err
	}
	if err := e.acc.Set(ctx, name, v); err != nil {
		return err
	}
	for _, fn := range e.traces {
		fn(ctx, name, v)
	}
	return nil
}

// DefineAccessor binds name to acc in the calling domain, replacing any
// previous definition.
func (t *Table) DefineAccessor(ctx context.Context, name string, acc Accessor) {
	d := isolate.FromContext(ctx)
	t.update(name, func(cur *entry) *entry {
		e := &entry{name: name, acc: acc, owner: d}
		if cur != nil {
			e.traces = cur.traces
		}
		return e
	})
	trace.Point(t.tracer, trace.ScopeObject, "gvar.define", name, "domain", d.String())
}

// DefineReadOnly binds name to getter with a setter that rejects writes.
func (t *Table) DefineReadOnly(ctx context.Context, name string, getter Getter) {
	t.DefineAccessor(ctx, name, ReadOnly(getter))
}

// DefineVariable declares name with a default cell holding initial.
func (t *Table) DefineVariable(ctx context.Context, name string, initial value.Value) {
	t.DefineAccessor(ctx, name, newCell(initial))
}

// MarkIsolationLocal makes name readable and writable from every domain.
// A global stored in a plain cell switches to one cell per domain: the value
// it held is returned to the caller and not copied into any domain, so every
// domain, the caller's included, starts from undefined. A global behind a
// custom or read-only accessor keeps it; the accessor decides what each
// domain sees, and nothing is dropped.
func (t *Table) MarkIsolationLocal(ctx context.Context, name string) (value.Value, error) {
	d := isolate.FromContext(ctx)
	dropped := value.Undef()
	var err error
	t.update(name, func(cur *entry) *entry {
		if cur != nil && cur.local {
			return nil
		}
		e := &entry{name: name, acc: local{key: localKey{t: t, name: name}}, local: true, owner: d}
		if cur == nil {
			return e
		}
		if err = t.check(ctx, cur); err != nil {
			return nil
		}
		e.traces = cur.traces
		e.owner = cur.owner
		if c, ok := cur.acc.(*cell); ok {
			dropped = c.load()
		} else {
			e.acc = cur.acc
		}
		return e
	})
	if err != nil {
		return value.Undef(), err
	}
	trace.Point(t.tracer, trace.ScopeObject, "gvar.local", name, "domain", d.String())
	return dropped, nil
}

// Defined reports whether name is declared and, for globals kept in
// per-domain cells, whether the calling domain has assigned it.
func (t *Table) Defined(ctx context.Context, name string) bool {
	e := t.lookup(name)
	if e == nil {
		return false
	}
	if l, ok := e.acc.(local); ok {
		return l.defined(ctx)
	}
	return true
}

// IsolationLocal reports whether name keeps one cell per domain.
func (t *Table) IsolationLocal(name string) bool {
	e := t.lookup(name)
	return e != nil && e.local
}

// ReadOnly reports whether name rejects writes through a read-only accessor.
func (t *Table) ReadOnly(name string) bool {
	e := t.lookup(name)
	if e == nil {
		return false
	}
	f, ok := e.acc.(Funcs)
	return ok && f.Setter == nil
}

// GetterOf returns the function reading name.
func (t *Table) GetterOf(name string) (Getter, bool) {
	e := t.lookup(name)
	if e == nil {
		return nil, false
	}
	return e.acc.Get, true
}

// SetterOf returns the function writing name.
func (t *Table) SetterOf(name string) (Setter, bool) {
	e := t.lookup(name)
	if e == nil {
		return nil, false
	}
	return e.acc.Set, true
}

// Names returns the declared names in sorted order.
func (t *Table) Names() []string {
	m := *t.index.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Trace registers fn to run after each successful write of name.
func (t *Table) Trace(name string, fn TraceFunc) error {
	var err error
	t.update(name, func(cur *entry) *entry {
		if cur == nil {
			err = &Error{Kind: ErrUndefined, Name: name}
			return nil
		}
		e := *cur
		e.traces = append(append([]TraceFunc(nil), cur.traces...), fn)
		return &e
	})
	return err
}

// Untrace removes every trace hook of name.
func (t *Table) Untrace(name string) error {
	var err error
	t.update(name, func(cur *entry) *entry {
		if cur == nil {
			err = &Error{Kind: ErrUndefined, Name: name}
			return nil
		}
		e := *cur
		e.traces = nil
		return &e
	})
	return err
}

// Mark hands every value held by the table to fn, including the cells of
// every domain for isolation-local globals.
func (t *Table) Mark(fn func(value.Value)) {
	for _, e := range *t.index.Load() {
		if m, ok := e.acc.(Marker); ok {
			m.Mark(fn)
		}
	}
}

// UpdateReferences forwards references held by the table.
func (t *Table) UpdateReferences(f value.Forwarder) int {
	n := 0
	for _, e := range *t.index.Load() {
		if m, ok := e.acc.(Marker); ok {
			n += m.UpdateReferences(f)
		}
	}
	return n
}
