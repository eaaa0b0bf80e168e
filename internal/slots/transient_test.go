package slots

import (
	"testing"

	"shapeshift/internal/value"
)

func TestTransientAllocAndEvacuate(t *testing.T) {
	th := NewTransientHeap(64)
	a := NewEmbedded(1)
	a.Set(0, value.Str("kept"))
	a.Ensure(2, 0, th)

	if !a.Transient() {
		t.Fatalf("buffer should come from the transient heap")
	}
	if th.Live() != 1 || th.Used() != a.Cap() {
		t.Fatalf("live %d used %d cap %d", th.Live(), th.Used(), a.Cap())
	}
	if a.Memsize() != 0 {
		t.Fatalf("transient memsize = %d", a.Memsize())
	}

	if !a.Evacuate() {
		t.Fatalf("evacuate reported nothing moved")
	}
	if a.Transient() || th.Live() != 0 {
		t.Fatalf("array still tracked by transient heap")
	}
	if a.Evacuate() {
		t.Fatalf("second evacuate should be a no-op")
	}

	th.Reset()
	if a.Get(0).AsString() != "kept" {
		t.Fatalf("value lost across reset: %v", a.Get(0))
	}
	if th.Used() != 0 || th.Generation() != 1 {
		t.Fatalf("used %d gen %d after reset", th.Used(), th.Generation())
	}
}

func TestTransientGrowthReleasesOldBuffer(t *testing.T) {
	th := NewTransientHeap(64)
	a := NewExtended(0)
	a.Ensure(2, 0, th)
	a.Ensure(10, 0, th)
	if th.Live() != 1 {
		t.Fatalf("live = %d, want 1", th.Live())
	}
	a.Ensure(20, 0, nil)
	if a.Transient() || th.Live() != 0 {
		t.Fatalf("growth without heap should leave the transient heap")
	}
}

func TestTransientFullFallsBackToHeap(t *testing.T) {
	th := NewTransientHeap(2)
	a := NewExtended(0)
	a.Ensure(8, 0, th)
	if a.Transient() {
		t.Fatalf("oversized request served from transient heap")
	}
}

func TestResetWithLiveArrayPanics(t *testing.T) {
	th := NewTransientHeap(8)
	a := NewExtended(0)
	a.Ensure(1, 0, th)
	defer func() {
		if _, ok := recover().(*InvariantError); !ok {
			t.Fatalf("expected InvariantError panic")
		}
	}()
	th.Reset()
}
