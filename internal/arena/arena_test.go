package arena

import (
	"sync"
	"testing"
)

func TestAllocHandlesAreDenseAndStable(t *testing.T) {
	var a Arena[int]
	var ptrs []*int
	for i := 0; i < chunkSize*2+5; i++ {
		h, p, err := a.Alloc(func(_ uint32, e *int) { *e = i })
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if int(h) != i {
			t.Fatalf("handle %d, want %d", h, i)
		}
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		got, ok := a.Get(uint32(i))
		if !ok || got != p {
			t.Fatalf("handle %d moved or missing", i)
		}
		if *got != i {
			t.Fatalf("handle %d holds %d", i, *got)
		}
	}
	if _, ok := a.Get(uint32(len(ptrs))); ok {
		t.Fatalf("unallocated handle reported present")
	}
}

func TestConcurrentAllocAndRead(t *testing.T) {
	var a Arena[uint32]
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h, _, err := a.Alloc(func(h uint32, e *uint32) { *e = h })
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				if v, ok := a.Get(h); !ok || *v != h {
					t.Errorf("handle %d not readable after alloc", h)
					return
				}
			}
		}()
	}
	wg.Wait()
	if a.Len() != 8*500 {
		t.Fatalf("len = %d, want %d", a.Len(), 8*500)
	}
	seen := 0
	a.Each(func(h uint32, e *uint32) bool {
		if *e != h {
			t.Fatalf("element %d holds %d", h, *e)
		}
		seen++
		return true
	})
	if seen != a.Len() {
		t.Fatalf("Each visited %d of %d", seen, a.Len())
	}
}
