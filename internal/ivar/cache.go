package ivar

import (
	"sync/atomic"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

// CacheState is the state of an access-site cache.
type CacheState uint8

const (
	CacheEmpty CacheState = iota
	CacheMonomorphic
	CachePolymorphic
	CacheMegamorphic
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

const cacheWays = 4

// Cache remembers shape-to-slot resolutions for one access site. Shapes are
// immutable, so an entry stays valid forever; past four shapes the site goes
// megamorphic and stops caching. Each way is one atomic word packing the
// shape handle above the slot index; handle zero marks a free way. Readers
// never block, and concurrent fills claim ways with compare-and-swap.
type Cache struct {
	ways   [cacheWays]atomic.Uint64
	mega   atomic.Bool
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports access-site counters.
type CacheStats struct {
	State  CacheState
	Shapes int
	Hits   uint64
	Misses uint64
}

func packWay(id shape.ID, index uint32) uint64 {
	return uint64(id)<<32 | uint64(index)
}

func unpackWay(w uint64) (shape.ID, uint32) {
	return shape.ID(w >> 32), uint32(w)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	st := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if c.mega.Load() {
		st.State = CacheMegamorphic
		return st
	}
	for i := range c.ways {
		if c.ways[i].Load() != 0 {
			st.Shapes++
		}
	}
	switch st.Shapes {
	case 0:
		st.State = CacheEmpty
	case 1:
		st.State = CacheMonomorphic
	default:
		st.State = CachePolymorphic
	}
	return st
}

func (c *Cache) find(id shape.ID) (uint32, bool) {
	if !c.mega.Load() {
		for i := range c.ways {
			w := c.ways[i].Load()
			if w == 0 {
				break
			}
			if sid, idx := unpackWay(w); sid == id {
				c.hits.Add(1)
				return idx, true
			}
		}
	}
	c.misses.Add(1)
	return 0, false
}

func (c *Cache) fill(id shape.ID, index uint32) {
	if c.mega.Load() {
		return
	}
	w := packWay(id, index)
	for i := range c.ways {
		for {
			cur := c.ways[i].Load()
			if cur != 0 {
				if sid, _ := unpackWay(cur); sid == id {
					return
				}
				break
			}
			if c.ways[i].CompareAndSwap(0, w) {
				return
			}
		}
	}
	c.mega.Store(true)
}

// GetCached reads key through the access-site cache c.
func (rt *Runtime) GetCached(o *Object, key shape.Key, c *Cache) value.Value {
	t, unlock := rt.readTable(o)
	defer unlock()
	if t == nil {
		return value.Undef()
	}
	if !t.Complex() {
		if idx, ok := c.find(t.Shape); ok {
			return t.Array.Get(idx)
		}
		if idx, ok := rt.shapes.Index(t.Shape, key); ok {
			c.fill(t.Shape, idx)
			return t.Array.Get(idx)
		}
	}
	v, _ := rt.lookup(t, key)
	return v
}

// SetCached writes key through the access-site cache c. Only writes to an
// existing property hit the cache; additions take the regular path.
func (rt *Runtime) SetCached(o *Object, key shape.Key, v value.Value, c *Cache) error {
	t, unlock := rt.writeTable(o, true)
	defer unlock()
	if !t.Complex() && !rt.shapes.Get(t.Shape).Frozen() {
		if idx, ok := c.find(t.Shape); ok {
			t.Array.Set(idx, v)
			return nil
		}
	}
	if err := rt.assign(o, t, key, v); err != nil {
		return err
	}
	if !t.Complex() {
		if idx, ok := rt.shapes.Index(t.Shape, key); ok {
			c.fill(t.Shape, idx)
		}
	}
	return nil
}
