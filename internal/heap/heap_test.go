package heap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"shapeshift/internal/gvar"
	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

func newHeap(t *testing.T) *Heap {
	t.Helper()
	rt, err := ivar.NewRuntime(ivar.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return New(rt, gvar.New(nil), nil)
}

func alloc(t *testing.T, h *Heap, layout string) *ivar.Object {
	t.Helper()
	obj, err := h.Alloc(layout)
	if err != nil {
		t.Fatalf("Alloc(%s): %v", layout, err)
	}
	return obj
}

func expectFault(t *testing.T, code Code, fn func()) {
	t.Helper()
	var err error
	func() {
		defer Recover(&err)
		fn()
	}()
	var he *Error
	if !errors.As(err, &he) || he.Code != code {
		t.Fatalf("expected %s fault, got %v", code, err)
	}
}

func TestAllocNeverReusesAddresses(t *testing.T) {
	h := newHeap(t)
	a := alloc(t, h, "object")
	b := alloc(t, h, "class")
	if a.Addr() == b.Addr() || a.Addr() == value.NoAddr {
		t.Fatalf("addresses %s %s", a.Addr(), b.Addr())
	}
	h.Free(a.Addr())
	c := alloc(t, h, "object")
	if c.Addr() == a.Addr() {
		t.Fatalf("freed address reused")
	}
	if _, err := h.Alloc("missing"); !ivar.IsKind(err, ivar.ErrUnknownLayout) {
		t.Fatalf("err = %v", err)
	}
	st := h.Stats()
	if st.Live != 2 || st.Freed != 1 || st.Allocated != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFaults(t *testing.T) {
	h := newHeap(t)
	a := alloc(t, h, "object")
	addr := a.Addr()

	expectFault(t, ErrInvalidAddr, func() { h.Get(value.NoAddr) })
	expectFault(t, ErrInvalidAddr, func() { h.Get(0xdead0) })
	h.Free(addr)
	expectFault(t, ErrUseAfterFree, func() { h.Get(addr) })
	expectFault(t, ErrDoubleFree, func() { h.Free(addr) })
	if _, ok := h.Lookup(addr); ok {
		t.Fatalf("freed object still found")
	}
}

func TestMoveForwardsReferences(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	ctx := context.Background()

	target := alloc(t, h, "class")
	if err := rt.Set(target, "@name", value.Str("T")); err != nil {
		t.Fatalf("set: %v", err)
	}
	holder := alloc(t, h, "object")
	gholder := alloc(t, h, "class")
	old := target.Addr()
	_ = rt.Set(holder, "@ref", value.Ref(old))
	_ = rt.Set(gholder, "@ref", value.Ref(old))
	_ = h.Globals().Set(ctx, "$ref", value.Ref(old))

	to, err := h.Move(ctx, old)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if to == old || target.Addr() != to {
		t.Fatalf("object not relocated: %s -> %s", old, target.Addr())
	}
	expectFault(t, ErrInvalidAddr, func() { h.Get(old) })
	if h.Get(to) != target {
		t.Fatalf("new address does not resolve to the object")
	}
	if rt.Get(target, "@name").AsString() != "T" {
		t.Fatalf("side-table properties lost by move")
	}
	if rt.Get(holder, "@ref").AsRef() != to || rt.Get(gholder, "@ref").AsRef() != to {
		t.Fatalf("object references not forwarded")
	}
	if v, _ := h.Globals().Get(ctx, "$ref"); v.AsRef() != to {
		t.Fatalf("global reference not forwarded: %v", v)
	}
}

func TestCompact(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	var objs []*ivar.Object
	for i := 0; i < 40; i++ {
		layout := "object"
		if i%3 == 0 {
			layout = "class"
		}
		objs = append(objs, alloc(t, h, layout))
	}
	for i, o := range objs {
		next := objs[(i+1)%len(objs)]
		if err := rt.Set(o, "@next", value.Ref(next.Addr())); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	st, err := h.Compact(context.Background(), 4)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if st.Moved != len(objs) || st.Updated != len(objs) {
		t.Fatalf("stats = %+v", st)
	}
	for i, o := range objs {
		next := objs[(i+1)%len(objs)]
		if got := rt.Get(o, "@next").AsRef(); got != next.Addr() {
			t.Fatalf("object %d points at %s, want %s", i, got, next.Addr())
		}
		if h.Get(o.Addr()) != o {
			t.Fatalf("object %d not found at its new address", i)
		}
	}
	if h.Stats().Moves != uint64(len(objs)) {
		t.Fatalf("moves = %d", h.Stats().Moves)
	}
}

func TestCollect(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	ctx := context.Background()

	root := alloc(t, h, "object")
	kept := alloc(t, h, "class")
	viaGlobal := alloc(t, h, "object")
	garbage := alloc(t, h, "class")
	_ = rt.Set(root, "@child", value.Ref(kept.Addr()))
	_ = rt.Set(kept, "@v", value.Int(1))
	_ = rt.Set(garbage, "@v", value.Int(2))
	_ = h.Globals().Set(ctx, "$keep", value.Ref(viaGlobal.Addr()))

	st, err := h.Collect(ctx, []value.Addr{root.Addr()})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if st.Marked != 3 || st.Freed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := h.Lookup(garbage.Addr()); ok {
		t.Fatalf("unreachable object survived")
	}
	if _, ok := rt.Generic().Get(garbage.Addr()); ok {
		t.Fatalf("side-table entry of collected object survived")
	}
	if rt.Get(kept, "@v").AsInt() != 1 {
		t.Fatalf("reachable generic object lost its properties")
	}
	if st.ShapeKeys < 2 {
		t.Fatalf("shape keys = %d", st.ShapeKeys)
	}
}

func TestSweepWithoutMarkIsNoop(t *testing.T) {
	h := newHeap(t)
	alloc(t, h, "object")
	if freed, _ := h.Sweep(); freed != 0 || h.Len() != 1 {
		t.Fatalf("sweep without mark freed %d", freed)
	}
}

func TestReclaimTransient(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	o := alloc(t, h, "object")
	for _, k := range []string{"@a", "@b", "@c", "@d"} {
		_ = rt.Set(o, shape.Key(k), value.Int(1))
	}
	if !rt.TransientP(o) {
		t.Fatalf("expected a transient buffer")
	}
	if n := h.ReclaimTransient(); n != 1 {
		t.Fatalf("evacuated %d", n)
	}
	if rt.TransientP(o) || rt.Get(o, "@d").AsInt() != 1 {
		t.Fatalf("transient reclamation lost data")
	}
}

func TestRootSetsKeepObjectsAlive(t *testing.T) {
	h := newHeap(t)
	pinned := alloc(t, h, "object")
	loose := alloc(t, h, "object")
	h.AddRoots(func(push func(value.Addr)) { push(pinned.Addr()) })
	st, err := h.Collect(context.Background(), nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if st.Marked != 1 || st.Freed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := h.Lookup(pinned.Addr()); !ok {
		t.Fatalf("root-set object collected")
	}
	if _, ok := h.Lookup(loose.Addr()); ok {
		t.Fatalf("unrooted object survived")
	}
}

func TestCollectUnreachableGenericCycle(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	self := alloc(t, h, "class")
	a := alloc(t, h, "class")
	b := alloc(t, h, "class")
	kept := alloc(t, h, "class")
	_ = rt.Set(self, "@self", value.Ref(self.Addr()))
	_ = rt.Set(a, "@peer", value.Ref(b.Addr()))
	_ = rt.Set(b, "@peer", value.Ref(a.Addr()))
	_ = rt.Set(kept, "@self", value.Ref(kept.Addr()))

	st, err := h.Collect(context.Background(), []value.Addr{kept.Addr()})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if st.Marked != 1 || st.Freed != 3 {
		t.Fatalf("stats = %+v", st)
	}
	for _, o := range []*ivar.Object{self, a, b} {
		if _, ok := h.Lookup(o.Addr()); ok {
			t.Fatalf("unreachable generic object %s survived", o.Addr())
		}
		if _, ok := rt.Generic().Get(o.Addr()); ok {
			t.Fatalf("side-table entry of %s survived", o.Addr())
		}
	}
	if rt.Get(kept, "@self").AsRef() != kept.Addr() {
		t.Fatalf("rooted generic object lost its properties")
	}
}

// lateCancel reports cancellation from its second Err call on, as if the
// caller gave up while objects were being relocated.
type lateCancel struct {
	context.Context
	calls atomic.Int32
}

func (c *lateCancel) Err() error {
	if c.calls.Add(1) > 1 {
		return context.Canceled
	}
	return nil
}

func TestCompactFinishesOnceObjectsMove(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	a := alloc(t, h, "object")
	b := alloc(t, h, "object")
	g := alloc(t, h, "class")
	_ = rt.Set(b, "@a", value.Ref(a.Addr()))
	_ = rt.Set(g, "@b", value.Ref(b.Addr()))

	if _, err := h.Compact(&lateCancel{Context: context.Background()}, 2); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if rt.Get(b, "@a").AsRef() != a.Addr() || rt.Get(g, "@b").AsRef() != b.Addr() {
		t.Fatalf("references left dangling: b.a=%s a=%s", rt.Get(b, "@a").AsRef(), a.Addr())
	}
	if h.Get(rt.Get(b, "@a").AsRef()) != a {
		t.Fatalf("forwarded reference does not resolve")
	}

	old := a.Addr()
	to, err := h.Move(&lateCancel{Context: context.Background()}, old)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if rt.Get(b, "@a").AsRef() != to {
		t.Fatalf("move left b.a at %s", rt.Get(b, "@a").AsRef())
	}
}

func TestCompactCancelledBeforeStart(t *testing.T) {
	h := newHeap(t)
	rt := h.Runtime()
	a := alloc(t, h, "object")
	b := alloc(t, h, "object")
	_ = rt.Set(b, "@a", value.Ref(a.Addr()))
	before := a.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := h.Compact(ctx, 2)
	if !errors.Is(err, context.Canceled) || st.Moved != 0 {
		t.Fatalf("compact = %+v, %v", st, err)
	}
	if _, err := h.Move(ctx, before); !errors.Is(err, context.Canceled) {
		t.Fatalf("move err = %v", err)
	}
	if a.Addr() != before || rt.Get(b, "@a").AsRef() != before {
		t.Fatalf("cancelled compaction moved objects")
	}
}
