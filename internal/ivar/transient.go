package ivar

import (
	"strconv"

	"shapeshift/internal/trace"
)

// TransientP reports whether o's slot buffer lives in the transient heap.
func (rt *Runtime) TransientP(o *Object) bool {
	if o.layout.Generic() {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tbl.Array.Transient()
}

// TransientSet allows future growth of o to allocate from the transient
// heap. It has no effect when the runtime has none.
func (rt *Runtime) TransientSet(o *Object) {
	o.mu.Lock()
	o.pinned = rt.th == nil
	o.mu.Unlock()
}

// TransientUnset pins future growth of o to the regular heap. A buffer that
// already lives in the transient heap stays there until evacuated.
func (rt *Runtime) TransientUnset(o *Object) {
	o.mu.Lock()
	o.pinned = true
	o.mu.Unlock()
}

// Escape is called when o becomes reachable from long-lived state. Its
// buffer leaves the transient heap immediately and never returns.
func (rt *Runtime) Escape(o *Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned = true
	if o.tbl.Array.Evacuate() {
		trace.Point(rt.tracer, trace.ScopeObject, "ivar.escape", "", "addr", o.Addr().String())
	}
}

// EvacuateTransient copies o's buffer out of the transient heap. The
// collector must call it for every surviving object before the heap is
// reset.
func (rt *Runtime) EvacuateTransient(o *Object) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tbl.Array.Evacuate()
}

// ReclaimTransient evacuates the given survivors and resets the transient
// heap. It returns the number of evacuated buffers.
func (rt *Runtime) ReclaimTransient(survivors []*Object) int {
	if rt.th == nil {
		return 0
	}
	span := trace.Begin(rt.tracer, trace.ScopeCollector, "transient.reclaim", 0)
	n := 0
	for _, o := range survivors {
		if rt.EvacuateTransient(o) {
			n++
		}
	}
	rt.th.Reset()
	span.End(strconv.Itoa(n))
	return n
}
