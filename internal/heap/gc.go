package heap

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

// CollectStats summarizes one collection.
type CollectStats struct {
	Marked    int
	Freed     int
	Purged    int
	Evacuated int
	ShapeKeys int
}

// CompactStats summarizes one compaction.
type CompactStats struct {
	Moved   int
	Updated int
}

// Move relocates one object to a fresh address and forwards every
// reference to it. It returns the new address. Cancellation is honored only
// before the object moves.
func (h *Heap) Move(ctx context.Context, addr value.Addr) (value.Addr, error) {
	h.world.Lock()
	defer h.world.Unlock()

	if err := ctx.Err(); err != nil {
		return value.NoAddr, err
	}
	h.Get(addr)
	to, err := h.relocate(addr)
	if err != nil {
		return value.NoAddr, err
	}
	fwd := func(old value.Addr) (value.Addr, bool) {
		return to, old == addr
	}
	if _, err := h.updateReferences(context.WithoutCancel(ctx), fwd, 1); err != nil {
		return to, err
	}
	return to, nil
}

// Compact relocates every live object and forwards all references. The
// reference update runs on up to jobs goroutines. Cancellation is honored
// only before the first object moves; once one has moved, every reference is
// forwarded before Compact returns.
func (h *Heap) Compact(ctx context.Context, jobs int) (CompactStats, error) {
	h.world.Lock()
	defer h.world.Unlock()

	if err := ctx.Err(); err != nil {
		return CompactStats{}, err
	}
	span := trace.Begin(h.tracer, trace.ScopeCollector, "compact", trace.CurrentSpan(ctx))
	defer span.End("")

	addrs := h.liveAddrs()
	moved := make(map[value.Addr]value.Addr, len(addrs))
	var relocErr error
	for _, old := range addrs {
		to, err := h.relocate(old)
		if err != nil {
			relocErr = err
			break
		}
		moved[old] = to
	}

	fwd := func(old value.Addr) (value.Addr, bool) {
		to, ok := moved[old]
		return to, ok
	}
	n, err := h.updateReferences(trace.WithSpan(context.WithoutCancel(ctx), span), fwd, jobs)
	span.WithExtra("moved", strconv.Itoa(len(moved))).WithExtra("updated", strconv.Itoa(n))
	if relocErr != nil {
		return CompactStats{Moved: len(moved), Updated: n}, relocErr
	}
	return CompactStats{Moved: len(moved), Updated: n}, err
}

// relocate assigns old's object a new address and re-keys the engine.
func (h *Heap) relocate(old value.Addr) (value.Addr, error) {
	h.mu.Lock()
	s := h.objs[old]
	to := h.next
	h.next += objectAlign
	delete(h.objs, old)
	h.objs[to] = s
	h.mu.Unlock()

	if err := h.rt.OnObjectRelocated(s.obj, old, to); err != nil {
		h.mu.Lock()
		delete(h.objs, to)
		h.objs[old] = s
		h.mu.Unlock()
		return value.NoAddr, err
	}
	h.moves.Add(1)
	return to, nil
}

// updateReferences forwards references held inline by every live object,
// by side-table entries and by globals.
func (h *Heap) updateReferences(ctx context.Context, fwd value.Forwarder, jobs int) (int, error) {
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	var objs []*ivar.Object
	h.Each(func(_ value.Addr, obj *ivar.Object) bool {
		objs = append(objs, obj)
		return true
	})

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	chunk := (len(objs) + jobs - 1) / jobs
	if chunk == 0 {
		chunk = 1
	}
	for start := 0; start < len(objs); start += chunk {
		part := objs[start:min(start+chunk, len(objs))]
		g.Go(func() error {
			n := 0
			for _, obj := range part {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				n += h.rt.UpdateReferences(obj, fwd)
			}
			total.Add(int64(n))
			return nil
		})
	}
	g.Go(func() error {
		total.Add(int64(h.rt.UpdateGenericReferences(fwd)))
		return nil
	})
	if h.globals != nil {
		g.Go(func() error {
			total.Add(int64(h.globals.UpdateReferences(fwd)))
			return nil
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// Mark traces reachability from roots, root sets and the globals.
// It returns the number of marked objects.
func (h *Heap) Mark(ctx context.Context, roots []value.Addr) (int, error) {
	h.world.Lock()
	defer h.world.Unlock()
	return h.mark(ctx, roots)
}

func (h *Heap) mark(ctx context.Context, roots []value.Addr) (int, error) {
	span := trace.Begin(h.tracer, trace.ScopeCollector, "mark", trace.CurrentSpan(ctx))
	h.mu.Lock()
	for _, s := range h.objs {
		s.marked = false
	}
	h.mu.Unlock()

	work := append([]value.Addr(nil), roots...)
	push := func(v value.Value) {
		if v.IsRef() {
			work = append(work, v.AsRef())
		}
	}
	if h.globals != nil {
		h.globals.Mark(push)
	}
	h.mu.RLock()
	sets := append([]RootSet(nil), h.rootSets...)
	h.mu.RUnlock()
	for _, rs := range sets {
		rs(func(a value.Addr) { work = append(work, a) })
	}
	// Side-table entries are reached through their owners by MarkObject, so
	// an unreachable generic object does not keep itself alive.

	marked := 0
	for len(work) > 0 {
		if marked%1024 == 0 {
			if err := ctx.Err(); err != nil {
				span.End("cancelled")
				return marked, err
			}
		}
		addr := work[len(work)-1]
		work = work[:len(work)-1]

		h.mu.Lock()
		s, ok := h.objs[addr]
		if !ok || !s.alive || s.marked {
			h.mu.Unlock()
			continue
		}
		s.marked = true
		h.mu.Unlock()

		marked++
		h.rt.MarkObject(s.obj, push)
	}
	h.mu.Lock()
	h.marking = true
	h.mu.Unlock()
	span.End(strconv.Itoa(marked))
	return marked, nil
}

// Sweep frees every object the last Mark did not reach and purges side-table
// entries without a live owner. Without a preceding Mark it does nothing.
func (h *Heap) Sweep() (freed, purged int) {
	h.world.Lock()
	defer h.world.Unlock()
	return h.sweep()
}

func (h *Heap) sweep() (freed, purged int) {
	span := trace.Begin(h.tracer, trace.ScopeCollector, "sweep", 0)
	h.mu.Lock()
	if !h.marking {
		h.mu.Unlock()
		span.End("no mark")
		return 0, 0
	}
	h.marking = false
	var dead []*ivar.Object
	for _, s := range h.objs {
		if s.alive && !s.marked {
			s.alive = false
			dead = append(dead, s.obj)
		}
	}
	h.mu.Unlock()

	for _, obj := range dead {
		h.rt.Free(obj)
	}
	purged = h.rt.Generic().Purge(func(a value.Addr) bool {
		_, ok := h.Lookup(a)
		return ok
	})
	span.End(strconv.Itoa(len(dead)))
	return len(dead), purged
}

// ReclaimTransient evacuates every live object out of the transient heap and
// resets it.
func (h *Heap) ReclaimTransient() int {
	h.world.Lock()
	defer h.world.Unlock()
	return h.reclaimTransient()
}

func (h *Heap) reclaimTransient() int {
	var live []*ivar.Object
	h.Each(func(_ value.Addr, obj *ivar.Object) bool {
		live = append(live, obj)
		return true
	})
	return h.rt.ReclaimTransient(live)
}

// Collect runs a full cycle: mark, sweep, then transient reclamation.
func (h *Heap) Collect(ctx context.Context, roots []value.Addr) (CollectStats, error) {
	h.world.Lock()
	defer h.world.Unlock()

	span := trace.Begin(h.tracer, trace.ScopeCollector, "collect", trace.CurrentSpan(ctx))
	defer span.End("")
	ctx = trace.WithSpan(ctx, span)

	var st CollectStats
	var err error
	if st.Marked, err = h.mark(ctx, roots); err != nil {
		return st, err
	}
	keys := map[shape.Key]struct{}{}
	h.rt.MarkAllShapes(func(k shape.Key) { keys[k] = struct{}{} })
	st.ShapeKeys = len(keys)
	st.Freed, st.Purged = h.sweep()
	st.Evacuated = h.reclaimTransient()
	h.collections.Add(1)
	return st, nil
}
