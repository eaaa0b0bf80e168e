package gentbl

import (
	"errors"
	"sync"
	"testing"

	"shapeshift/internal/shape"
	"shapeshift/internal/slots"
	"shapeshift/internal/value"
)

const root shape.ID = 1

func fill(e *Entry, vals ...value.Value) {
	e.Lock()
	defer e.Unlock()
	e.Array.Ensure(len(vals), 0, nil)
	for i, v := range vals {
		e.Array.Set(uint32(i), v)
	}
}

func TestGetOrCreate(t *testing.T) {
	tbl := New(8, nil)
	e, created := tbl.GetOrCreate(0x10, root)
	if !created || e.Shape != root {
		t.Fatalf("created=%v shape=%d", created, e.Shape)
	}
	again, created := tbl.GetOrCreate(0x10, root)
	if created || again != e {
		t.Fatalf("second GetOrCreate returned a different entry")
	}
	if tbl.Len() != 1 {
		t.Fatalf("len = %d", tbl.Len())
	}
	if !tbl.Remove(0x10) || tbl.Remove(0x10) {
		t.Fatalf("remove should succeed exactly once")
	}
	if _, ok := tbl.Get(0x10); ok || tbl.Len() != 0 {
		t.Fatalf("entry survived removal")
	}
}

func TestRelocatePreservesEntry(t *testing.T) {
	tbl := New(8, nil)
	e, _ := tbl.GetOrCreate(0x100, root)
	fill(e, value.Int(1), value.Str("two"))

	if err := tbl.Relocate(0x100, 0x200); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if _, ok := tbl.Get(0x100); ok {
		t.Fatalf("old identity still resolves")
	}
	moved, created := tbl.GetOrCreate(0x200, root)
	if created || moved != e {
		t.Fatalf("new identity does not resolve to the same entry")
	}
	if moved.Array.Get(1).AsString() != "two" {
		t.Fatalf("entry contents changed: %v", moved.Array.Get(1))
	}
	if tbl.Len() != 1 {
		t.Fatalf("len = %d", tbl.Len())
	}
}

func TestRelocateOntoOccupiedFails(t *testing.T) {
	tbl := New(4, nil)
	tbl.GetOrCreate(1, root)
	tbl.GetOrCreate(2, root)
	if err := tbl.Relocate(1, 2); !errors.Is(err, ErrOccupied) {
		t.Fatalf("err = %v, want ErrOccupied", err)
	}
	if _, ok := tbl.Get(1); !ok {
		t.Fatalf("failed relocation removed the source")
	}
	if err := tbl.Relocate(3, 4); err != nil {
		t.Fatalf("relocating untracked address: %v", err)
	}
	if err := tbl.Relocate(1, value.NoAddr); !errors.Is(err, ErrNoAddr) {
		t.Fatalf("err = %v, want ErrNoAddr", err)
	}
}

func TestMoveReplacesTarget(t *testing.T) {
	tbl := New(4, nil)
	src, _ := tbl.GetOrCreate(1, root)
	tbl.GetOrCreate(2, root)
	if err := tbl.Move(1, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got, _ := tbl.Get(2); got != src {
		t.Fatalf("target does not hold the source entry")
	}
	if tbl.Len() != 1 {
		t.Fatalf("len = %d, want 1", tbl.Len())
	}
}

func TestConcurrentRelocateAndLookup(t *testing.T) {
	tbl := New(16, nil)
	const n = 256
	for i := 1; i <= n; i++ {
		tbl.GetOrCreate(value.Addr(i), root)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			if err := tbl.Relocate(value.Addr(i), value.Addr(i+n)); err != nil {
				t.Errorf("relocate %d: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			// Relocation only moves forward, so once the new identity
			// resolves the old one must not.
			_, b := tbl.Get(value.Addr(i + n))
			_, a := tbl.Get(value.Addr(i))
			if a && b {
				t.Errorf("entry %d visible under both identities", i)
			}
		}
	}()
	wg.Wait()
	if tbl.Len() != n {
		t.Fatalf("len = %d, want %d", tbl.Len(), n)
	}
}

func TestMarkPurgeAndUpdate(t *testing.T) {
	tbl := New(4, nil)
	live, _ := tbl.GetOrCreate(1, root)
	fill(live, value.Ref(9), value.Int(3))
	dead, _ := tbl.GetOrCreate(2, root)
	fill(dead, value.Ref(8))
	dict, _ := tbl.GetOrCreate(3, root)
	dict.SetDict([]shape.Key{"k"}, []value.Value{value.Ref(9)})

	var marked []value.Value
	tbl.Mark(func(a value.Addr) bool { return a != 2 }, func(v value.Value) { marked = append(marked, v) })
	if len(marked) != 3 {
		t.Fatalf("marked %d values, want 3", len(marked))
	}
	for _, v := range marked {
		if v.IsRef() && v.AsRef() == 8 {
			t.Fatalf("dead owner's value was marked")
		}
	}

	if n := tbl.Purge(func(a value.Addr) bool { return a != 2 }); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, ok := tbl.Get(2); ok || tbl.Len() != 2 {
		t.Fatalf("dead entry survived purge")
	}

	n := tbl.UpdateReferences(func(old value.Addr) (value.Addr, bool) {
		return 90, old == 9
	})
	if n != 2 {
		t.Fatalf("updated %d references, want 2", n)
	}
	if live.Array.Get(0).AsRef() != 90 || dict.Dict["k"].AsRef() != 90 {
		t.Fatalf("references not forwarded")
	}
}

func TestMemsize(t *testing.T) {
	tbl := New(1, nil)
	if tbl.Memsize(5) != 0 {
		t.Fatalf("untracked memsize should be zero")
	}
	e, _ := tbl.GetOrCreate(5, root)
	base := tbl.Memsize(5)
	e.Lock()
	e.Array = slots.NewExtended(16)
	e.Unlock()
	if tbl.Memsize(5) <= base {
		t.Fatalf("memsize did not grow with the slot array")
	}
}
