// Package gentbl is the generic side table: property storage for objects
// that have no slot budget of their own. Entries are keyed by the owner's
// current address and are re-keyed by the collector when the owner moves.
package gentbl

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"shapeshift/internal/shape"
	"shapeshift/internal/slots"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

var (
	// ErrOccupied is returned when a relocation target already owns an entry.
	ErrOccupied = errors.New("gentbl: target address already has an entry")
	// ErrNoAddr is returned for operations targeting the zero address.
	ErrNoAddr = errors.New("gentbl: zero address")
)

// Entry is the side-table storage of one object. Its pointer is stable for
// the entry's lifetime; the embedded lock serializes writes to the table.
type Entry struct {
	sync.RWMutex
	slots.Table
}

type shard struct {
	mu sync.RWMutex
	m  map[value.Addr]*Entry
}

// Table maps object addresses to entries. Each shard has its own lock, so
// unrelated addresses do not contend.
type Table struct {
	shards []shard
	shift  uint
	n      atomic.Int64
	tracer trace.Tracer
}

// New creates a table with at least the given number of shards, rounded up
// to a power of two.
func New(shards int, tracer trace.Tracer) *Table {
	if shards < 1 {
		shards = 1
	}
	logN := bits.Len(uint(shards - 1))
	t := &Table{
		shards: make([]shard, 1<<logN),
		shift:  uint(64 - logN),
		tracer: trace.OrNop(tracer),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[value.Addr]*Entry)
	}
	return t
}

func (t *Table) shardIndex(a value.Addr) int {
	if len(t.shards) == 1 {
		return 0
	}
	// Fibonacci hashing spreads aligned addresses across shards.
	return int((uint64(a) * 0x9e3779b97f4a7c15) >> t.shift)
}

// GetOrCreate returns the entry for addr, creating one that holds root when
// absent. The second result reports creation.
func (t *Table) GetOrCreate(addr value.Addr, root shape.ID) (*Entry, bool) {
	sh := &t.shards[t.shardIndex(addr)]
	sh.mu.RLock()
	e, ok := sh.m[addr]
	sh.mu.RUnlock()
	if ok {
		return e, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.m[addr]; ok {
		return e, false
	}
	e = &Entry{Table: slots.Table{Shape: root}}
	sh.m[addr] = e
	t.n.Add(1)
	return e, true
}

// Get returns the entry for addr.
func (t *Table) Get(addr value.Addr) (*Entry, bool) {
	sh := &t.shards[t.shardIndex(addr)]
	sh.mu.RLock()
	e, ok := sh.m[addr]
	sh.mu.RUnlock()
	return e, ok
}

// Remove drops the entry for addr and reports whether one existed.
func (t *Table) Remove(addr value.Addr) bool {
	sh := &t.shards[t.shardIndex(addr)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[addr]
	if !ok {
		return false
	}
	delete(sh.m, addr)
	t.n.Add(-1)
	e.Lock()
	e.Array.Clear()
	e.Reset()
	e.Unlock()
	return true
}

// Relocate re-keys the entry of an object that moved from old to new. Both
// shard locks are held for the duration, so no reader observes the entry
// under both keys or under neither. Relocating an untracked address is a
// no-op.
func (t *Table) Relocate(old, new value.Addr) error {
	if new == value.NoAddr {
		return ErrNoAddr
	}
	if old == new {
		return nil
	}
	unlock := t.lockPair(old, new)
	defer unlock()

	src := &t.shards[t.shardIndex(old)]
	dst := &t.shards[t.shardIndex(new)]
	e, ok := src.m[old]
	if !ok {
		return nil
	}
	if _, taken := dst.m[new]; taken {
		return fmt.Errorf("%w: relocating %s to %s", ErrOccupied, old, new)
	}
	delete(src.m, old)
	dst.m[new] = e
	trace.Point(t.tracer, trace.ScopeCollector, "gentbl.relocate", "", "old", old.String(), "new", new.String())
	return nil
}

// Move transfers the entry of src to dst, replacing whatever dst held.
// Nothing happens when src has no entry.
func (t *Table) Move(src, dst value.Addr) error {
	if dst == value.NoAddr {
		return ErrNoAddr
	}
	if src == dst {
		return nil
	}
	unlock := t.lockPair(src, dst)
	defer unlock()

	from := &t.shards[t.shardIndex(src)]
	to := &t.shards[t.shardIndex(dst)]
	e, ok := from.m[src]
	if !ok {
		return nil
	}
	delete(from.m, src)
	if _, replaced := to.m[dst]; replaced {
		t.n.Add(-1)
	}
	to.m[dst] = e
	return nil
}

// lockPair write-locks the shards of a and b in index order.
func (t *Table) lockPair(a, b value.Addr) func() {
	i, j := t.shardIndex(a), t.shardIndex(b)
	if i == j {
		t.shards[i].mu.Lock()
		return t.shards[i].mu.Unlock
	}
	if i > j {
		i, j = j, i
	}
	t.shards[i].mu.Lock()
	t.shards[j].mu.Lock()
	return func() {
		t.shards[j].mu.Unlock()
		t.shards[i].mu.Unlock()
	}
}

// Len returns the number of entries.
func (t *Table) Len() int { return int(t.n.Load()) }

// Each calls fn for a snapshot of the entries of each shard. fn runs without
// any shard lock held and may call back into the table.
func (t *Table) Each(fn func(addr value.Addr, e *Entry) bool) {
	type pair struct {
		addr value.Addr
		e    *Entry
	}
	var buf []pair
	for i := range t.shards {
		sh := &t.shards[i]
		buf = buf[:0]
		sh.mu.RLock()
		for a, e := range sh.m {
			buf = append(buf, pair{a, e})
		}
		sh.mu.RUnlock()
		for _, p := range buf {
			if !fn(p.addr, p.e) {
				return
			}
		}
	}
}

// Mark hands the defined property values of every entry whose owner is live
// to fn. Entries of dead owners are left for Purge.
func (t *Table) Mark(live func(value.Addr) bool, fn func(value.Value)) {
	t.Each(func(a value.Addr, e *Entry) bool {
		if !live(a) {
			return true
		}
		e.RLock()
		defer e.RUnlock()
		visit(&e.Table, fn)
		return true
	})
}

func visit(tbl *slots.Table, fn func(value.Value)) {
	if tbl.Complex() {
		for _, v := range tbl.Dict {
			fn(v)
		}
		return
	}
	tbl.Array.Each(uint32(tbl.Array.Cap()), func(_ uint32, v value.Value) bool {
		if !v.IsUndef() {
			fn(v)
		}
		return true
	})
}

// Purge removes every entry whose owner is no longer live and returns the
// number removed.
func (t *Table) Purge(live func(value.Addr) bool) int {
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for a, e := range sh.m {
			if live(a) {
				continue
			}
			delete(sh.m, a)
			e.Lock()
			e.Array.Clear()
			e.Reset()
			e.Unlock()
			removed++
		}
		sh.mu.Unlock()
	}
	t.n.Add(int64(-removed))
	if removed > 0 {
		trace.Point(t.tracer, trace.ScopeCollector, "gentbl.purge", "", "removed", fmt.Sprint(removed))
	}
	return removed
}

// UpdateReferences forwards references stored in every entry and returns
// the number of rewritten values.
func (t *Table) UpdateReferences(f value.Forwarder) int {
	n := 0
	t.Each(func(_ value.Addr, e *Entry) bool {
		e.Lock()
		n += e.Table.UpdateReferences(f)
		e.Unlock()
		return true
	})
	return n
}

// Memsize returns the approximate size of addr's entry, or zero when the
// address is untracked.
func (t *Table) Memsize(addr value.Addr) int {
	e, ok := t.Get(addr)
	if !ok {
		return 0
	}
	e.RLock()
	defer e.RUnlock()
	return int(unsafe.Sizeof(Entry{})) + e.Table.Memsize()
}
