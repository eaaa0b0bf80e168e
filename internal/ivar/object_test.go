package ivar

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

func newRuntime(t *testing.T, mutate func(*Config)) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := NewRuntime(cfg, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func mustObject(t *testing.T, rt *Runtime, layout string, addr value.Addr) *Object {
	t.Helper()
	o, err := rt.NewObject(layout, addr)
	if err != nil {
		t.Fatalf("NewObject(%s): %v", layout, err)
	}
	return o
}

func mustSet(t *testing.T, rt *Runtime, o *Object, key shape.Key, v value.Value) {
	t.Helper()
	if err := rt.Set(o, key, v); err != nil {
		t.Fatalf("Set(%s): %v", key, err)
	}
}

func TestReadAfterWriteAllTiers(t *testing.T) {
	rt := newRuntime(t, nil)
	cases := []struct {
		name    string
		layout  string
		keys    int
		storage Storage
	}{
		{"embedded", "object", 3, StorageEmbedded},
		{"extended", "object", 9, StorageExtended},
		{"external", "class", 5, StorageExternal},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := mustObject(t, rt, tc.layout, value.Addr(0x1000+i*0x10))
			for k := 0; k < tc.keys; k++ {
				key := shape.Key(fmt.Sprintf("@k%d", k))
				mustSet(t, rt, o, key, value.Int(int64(k)))
				if got := rt.Get(o, key); got.AsInt() != int64(k) {
					t.Fatalf("read after write of %s = %v", key, got)
				}
			}
			for k := 0; k < tc.keys; k++ {
				key := shape.Key(fmt.Sprintf("@k%d", k))
				if got := rt.Get(o, key); got.AsInt() != int64(k) {
					t.Fatalf("%s = %v after all writes", key, got)
				}
			}
			if got := rt.StorageOf(o); got != tc.storage {
				t.Fatalf("storage = %s, want %s", got, tc.storage)
			}
			if rt.Count(o) != tc.keys {
				t.Fatalf("count = %d", rt.Count(o))
			}
		})
	}
}

func TestUnknownKeyIsUndef(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	if !rt.Get(o, "@missing").IsUndef() {
		t.Fatalf("missing key should read undef")
	}
	if got := rt.Lookup(o, "@missing", value.Nil()); got.Kind != value.KindNil {
		t.Fatalf("Lookup default = %v", got)
	}
	if rt.Defined(o, "@missing") {
		t.Fatalf("missing key reported defined")
	}
	g := mustObject(t, rt, "class", 2)
	if !rt.Get(g, "@x").IsUndef() || rt.Count(g) != 0 || len(rt.Keys(g)) != 0 {
		t.Fatalf("fresh generic object should be empty")
	}
	if _, err := rt.NewObject("nope", 3); !IsKind(err, ErrUnknownLayout) {
		t.Fatalf("err = %v, want unknown layout", err)
	}
}

func TestSameOrderSharesShapeAcrossObjects(t *testing.T) {
	rt := newRuntime(t, nil)
	a := mustObject(t, rt, "object", 1)
	b := mustObject(t, rt, "object", 2)
	c := mustObject(t, rt, "object", 3)
	for _, k := range []shape.Key{"@x", "@y"} {
		mustSet(t, rt, a, k, value.Int(1))
		mustSet(t, rt, b, k, value.Str("other value"))
	}
	mustSet(t, rt, c, "@y", value.Int(1))
	mustSet(t, rt, c, "@x", value.Int(1))
	if rt.ShapeOf(a) != rt.ShapeOf(b) {
		t.Fatalf("same order produced different shapes")
	}
	if rt.ShapeOf(a) == rt.ShapeOf(c) {
		t.Fatalf("different order shares a shape")
	}
}

func TestFreezeBlocksWrites(t *testing.T) {
	rt := newRuntime(t, nil)
	for _, layout := range []string{"object", "class"} {
		o := mustObject(t, rt, layout, 0x40)
		mustSet(t, rt, o, "@a", value.Int(1))
		rt.Freeze(o)
		if !rt.Frozen(o) {
			t.Fatalf("%s: not frozen", layout)
		}
		before := rt.ShapeOf(o)

		if err := rt.Set(o, "@a", value.Int(2)); !IsKind(err, ErrFrozen) {
			t.Fatalf("%s: overwrite err = %v", layout, err)
		}
		if err := rt.Set(o, "@b", value.Int(2)); !IsKind(err, ErrFrozen) {
			t.Fatalf("%s: add err = %v", layout, err)
		}
		if _, err := rt.Delete(o, "@a"); !IsKind(err, ErrFrozen) {
			t.Fatalf("%s: delete err = %v", layout, err)
		}
		if got := rt.Get(o, "@a"); got.AsInt() != 1 {
			t.Fatalf("%s: value changed to %v", layout, got)
		}
		if rt.ShapeOf(o) != before {
			t.Fatalf("%s: shape changed by failed write", layout)
		}
		rt.Free(o)
	}
}

func TestDeleteSwitchesToDictionary(t *testing.T) {
	rt := newRuntime(t, nil)
	for _, layout := range []string{"object", "class"} {
		o := mustObject(t, rt, layout, 0x80)
		mustSet(t, rt, o, "@a", value.Int(1))
		mustSet(t, rt, o, "@b", value.Int(2))
		mustSet(t, rt, o, "@c", value.Int(3))

		old, err := rt.Delete(o, "@b")
		if err != nil || old.AsInt() != 2 {
			t.Fatalf("%s: delete = %v, %v", layout, old, err)
		}
		if !rt.Shapes().Get(rt.ShapeOf(o)).TooComplex() {
			t.Fatalf("%s: object not in dictionary mode", layout)
		}
		if !rt.Get(o, "@b").IsUndef() {
			t.Fatalf("%s: deleted key still readable", layout)
		}
		if rt.Get(o, "@a").AsInt() != 1 || rt.Get(o, "@c").AsInt() != 3 {
			t.Fatalf("%s: remaining keys lost", layout)
		}
		if _, err := rt.Delete(o, "@b"); !IsKind(err, ErrNotDefined) {
			t.Fatalf("%s: second delete err = %v", layout, err)
		}
		mustSet(t, rt, o, "@d", value.Int(4))
		if !rt.Shapes().Get(rt.ShapeOf(o)).TooComplex() {
			t.Fatalf("%s: object returned to indexed storage", layout)
		}
		if rt.Count(o) != 3 {
			t.Fatalf("%s: count = %d", layout, rt.Count(o))
		}
		rt.Free(o)
	}
}

func TestCapExceededStaysCorrect(t *testing.T) {
	rt := newRuntime(t, func(c *Config) {
		c.Shapes.MaxShapes = 12 // two layouts use six reserved shapes
	})
	o := mustObject(t, rt, "object", 1)
	const n = 20
	for i := 0; i < n; i++ {
		mustSet(t, rt, o, shape.Key(fmt.Sprintf("@p%d", i)), value.Int(int64(i)))
	}
	if !rt.Shapes().Get(rt.ShapeOf(o)).TooComplex() {
		t.Fatalf("object should have fallen back to too-complex")
	}
	for i := 0; i < n; i++ {
		key := shape.Key(fmt.Sprintf("@p%d", i))
		if got := rt.Get(o, key); got.AsInt() != int64(i) {
			t.Fatalf("%s = %v", key, got)
		}
		mustSet(t, rt, o, key, value.Int(int64(i*10)))
		if got := rt.Get(o, key); got.AsInt() != int64(i*10) {
			t.Fatalf("rewrite of %s = %v", key, got)
		}
	}
	if rt.Shapes().Stats().CapHits == 0 {
		t.Fatalf("cap hits not counted")
	}
}

func TestCopy(t *testing.T) {
	rt := newRuntime(t, nil)
	src := mustObject(t, rt, "object", 1)
	mustSet(t, rt, src, "@a", value.Int(1))
	mustSet(t, rt, src, "@b", value.Ref(7))
	rt.Freeze(src)

	dst := mustObject(t, rt, "object", 2)
	if err := rt.Copy(dst, src); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if rt.Frozen(dst) {
		t.Fatalf("frozen bit was copied")
	}
	want := rt.Shapes().Get(rt.ShapeOf(src)).Parent()
	if rt.ShapeOf(dst) != want {
		t.Fatalf("copy did not share the source lineage")
	}
	if rt.Get(dst, "@b").AsRef() != 7 {
		t.Fatalf("copied value = %v", rt.Get(dst, "@b"))
	}

	gen := mustObject(t, rt, "class", 3)
	if err := rt.Copy(gen, src); err != nil {
		t.Fatalf("copy to generic: %v", err)
	}
	if rt.Get(gen, "@a").AsInt() != 1 {
		t.Fatalf("generic copy lost @a")
	}

	dictSrc := mustObject(t, rt, "object", 4)
	mustSet(t, rt, dictSrc, "@x", value.Int(1))
	mustSet(t, rt, dictSrc, "@y", value.Int(2))
	if _, err := rt.Delete(dictSrc, "@x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	dictDst := mustObject(t, rt, "object", 5)
	if err := rt.Copy(dictDst, dictSrc); err != nil {
		t.Fatalf("copy dict: %v", err)
	}
	if !rt.Shapes().Get(rt.ShapeOf(dictDst)).TooComplex() || rt.Get(dictDst, "@y").AsInt() != 2 {
		t.Fatalf("dictionary mode not carried over")
	}

	if err := rt.Copy(src, dst); !IsKind(err, ErrFrozen) {
		t.Fatalf("copy into frozen err = %v", err)
	}
}

func TestKeysAndEach(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	for _, k := range []shape.Key{"@z", "@a", "@m"} {
		mustSet(t, rt, o, k, value.Str(string(k)))
	}
	keys := rt.Keys(o)
	if len(keys) != 3 || keys[0] != "@z" || keys[2] != "@m" {
		t.Fatalf("keys = %v", keys)
	}
	var seen []string
	rt.Each(o, func(k shape.Key, v value.Value) bool {
		seen = append(seen, v.AsString())
		return true
	})
	if len(seen) != 3 || seen[1] != "@a" {
		t.Fatalf("each = %v", seen)
	}
}

func TestConcurrentWritersDistinctObjects(t *testing.T) {
	rt := newRuntime(t, nil)
	const workers = 16
	objs := make([]*Object, workers)
	for i := range objs {
		objs[i] = mustObject(t, rt, []string{"object", "class"}[i%2], value.Addr(0x100+i))
	}
	var wg sync.WaitGroup
	for i := range objs {
		wg.Add(1)
		go func(o *Object) {
			defer wg.Done()
			for k := 0; k < 8; k++ {
				if err := rt.Set(o, shape.Key(fmt.Sprintf("@f%d", k)), value.Int(int64(k))); err != nil {
					t.Errorf("set: %v", err)
					return
				}
			}
		}(objs[i])
	}
	wg.Wait()
	for i := 2; i < workers; i++ {
		if rt.ShapeOf(objs[i]) != rt.ShapeOf(objs[i%2]) {
			t.Fatalf("object %d did not converge on its layout's shape", i)
		}
	}
}

func TestConcurrentWritersSameObject(t *testing.T) {
	rt := newRuntime(t, nil)
	o := mustObject(t, rt, "object", 1)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < 4; k++ {
				key := shape.Key(fmt.Sprintf("@w%d_%d", w, k))
				if err := rt.Set(o, key, value.Int(int64(w))); err != nil {
					t.Errorf("set: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	if rt.Count(o) != 32 {
		t.Fatalf("count = %d, want 32", rt.Count(o))
	}
	for w := 0; w < 8; w++ {
		if got := rt.Get(o, shape.Key(fmt.Sprintf("@w%d_3", w))); got.AsInt() != int64(w) {
			t.Fatalf("writer %d value = %v", w, got)
		}
	}
}

func TestDictionaryKeysKeepInsertionOrder(t *testing.T) {
	rt := newRuntime(t, nil)
	for _, layout := range []string{"object", "class"} {
		o := mustObject(t, rt, layout, 0x90)
		for _, k := range []shape.Key{"@z", "@a", "@m"} {
			mustSet(t, rt, o, k, value.Str(string(k)))
		}
		if _, err := rt.Delete(o, "@a"); err != nil {
			t.Fatalf("%s: delete: %v", layout, err)
		}
		mustSet(t, rt, o, "@b", value.Str("@b"))
		mustSet(t, rt, o, "@a", value.Str("@a"))
		mustSet(t, rt, o, "@z", value.Str("z2"))

		want := []shape.Key{"@z", "@m", "@b", "@a"}
		if got := rt.Keys(o); !slices.Equal(got, want) {
			t.Fatalf("%s: keys = %v, want %v", layout, got, want)
		}
		var seen []shape.Key
		rt.Each(o, func(k shape.Key, _ value.Value) bool {
			seen = append(seen, k)
			return true
		})
		if !slices.Equal(seen, want) {
			t.Fatalf("%s: each = %v", layout, seen)
		}
		rt.Free(o)
	}
}
