package ivar

import (
	"testing"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

func grow(t *testing.T, rt *Runtime, o *Object) {
	t.Helper()
	for _, k := range []shape.Key{"@a", "@b", "@c", "@d", "@e"} {
		mustSet(t, rt, o, k, value.Str(string(k)))
	}
}

func TestGrowthUsesTransientHeap(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	if rt.TransientP(o) {
		t.Fatalf("embedded storage reported transient")
	}
	grow(t, rt, o)
	if !rt.TransientP(o) {
		t.Fatalf("extended buffer should start in the transient heap")
	}
	if n := rt.ReclaimTransient([]*Object{o}); n != 1 {
		t.Fatalf("evacuated %d buffers", n)
	}
	if rt.TransientP(o) || rt.Get(o, "@e").AsString() != "@e" {
		t.Fatalf("values lost by reclamation")
	}
	if rt.TransientHeap().Generation() != 1 {
		t.Fatalf("heap not reset")
	}
}

func TestEscapePinsObject(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	grow(t, rt, o)
	rt.Escape(o)
	if rt.TransientP(o) {
		t.Fatalf("escaped object still transient")
	}
	for _, k := range []shape.Key{"@f", "@g", "@h", "@i", "@j", "@k"} {
		mustSet(t, rt, o, k, value.Int(1))
	}
	if rt.TransientP(o) {
		t.Fatalf("escaped object grew into the transient heap")
	}

	rt.TransientSet(o)
	p := mustObject(t, rt, "object", 2)
	rt.TransientUnset(p)
	grow(t, rt, p)
	if rt.TransientP(p) {
		t.Fatalf("unset object allocated transiently")
	}
}

func TestReclaimWithoutEvacuationPanics(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	grow(t, rt, o)
	defer func() {
		if recover() == nil {
			t.Fatalf("reset with a live transient buffer should panic")
		}
	}()
	rt.ReclaimTransient(nil)
}

func TestTransientDisabled(t *testing.T) {
	rt := newRuntime(t, func(c *Config) { c.TransientHeap = false })
	o := mustObject(t, rt, "object", 1)
	grow(t, rt, o)
	if rt.TransientP(o) || rt.TransientHeap() != nil {
		t.Fatalf("transient heap used while disabled")
	}
	if rt.ReclaimTransient([]*Object{o}) != 0 {
		t.Fatalf("reclaim without a heap should do nothing")
	}
}
