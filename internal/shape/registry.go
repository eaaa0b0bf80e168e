package shape

import (
	"fmt"
	"hash/maphash"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"

	"shapeshift/internal/arena"
	"shapeshift/internal/trace"
)

// Config bounds the transition tree.
type Config struct {
	// MaxShapes caps the number of shapes. Novel transitions past the cap
	// resolve to the root's too-complex shape.
	MaxShapes int
	// MaxVariations caps how often one root's tree may branch. Zero disables
	// the limit.
	MaxVariations int
	// GrowthFactor multiplies the capacity class when a transition outgrows
	// its parent's class.
	GrowthFactor int
	// MinCapacity is the smallest non-zero capacity class.
	MinCapacity uint32
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxShapes:    1 << 19,
		GrowthFactor: 2,
		MinCapacity:  4,
	}
}

const edgeShards = 64

type edgeKey struct {
	parent ID
	key    Key
	kind   Kind
}

type edgeShard struct {
	mu sync.RWMutex
	m  map[edgeKey]ID
}

// rootInfo records the designated fallback shapes of one root.
type rootInfo struct {
	root             ID
	tooComplex       ID
	tooComplexFrozen ID
}

// Stats summarizes registry state.
type Stats struct {
	Shapes        int
	Roots         int
	MaxShapes     int
	CapHits       uint64
	VariationHits uint64
}

// Registry owns the transition tree. Shapes live in an arena and are
// addressed by ID; published shapes are read without synchronization. Child
// creation is an insert-if-absent on a sharded edge map, so concurrent
// writers introducing the same (parent, key, kind) converge on one child.
type Registry struct {
	cfg    Config
	tracer trace.Tracer
	seed   maphash.Seed

	shapes arena.Arena[Shape]
	edges  [edgeShards]edgeShard
	live   atomic.Int64

	rootMu   sync.Mutex
	byLayout map[string]ID
	roots    sync.Map // ID -> *rootInfo

	capHits       atomic.Uint64
	variationHits atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, tracer trace.Tracer) *Registry {
	if cfg.GrowthFactor < 2 {
		cfg.GrowthFactor = 2
	}
	if cfg.MinCapacity == 0 {
		cfg.MinCapacity = 1
	}
	if cfg.MaxShapes <= 0 || cfg.MaxShapes > arena.Capacity() {
		cfg.MaxShapes = arena.Capacity()
	}
	r := &Registry{
		cfg:      cfg,
		tracer:   trace.OrNop(tracer),
		seed:     maphash.MakeSeed(),
		byLayout: make(map[string]ID, 16),
	}
	for i := range r.edges {
		r.edges[i].m = make(map[edgeKey]ID, 64)
	}
	// Handle 0 is the invalid sentinel.
	if _, _, err := r.shapes.Alloc(nil); err != nil {
		panic(&InvariantError{Op: "init", Detail: err.Error()})
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Get returns the shape for id. An invalid handle is an invariant violation.
func (r *Registry) Get(id ID) *Shape {
	if id == InvalidID {
		panic(&InvariantError{Op: "get", Shape: id, Detail: "invalid shape handle"})
	}
	s, ok := r.shapes.Get(uint32(id))
	if !ok {
		panic(&InvariantError{Op: "get", Shape: id, Detail: "unknown shape handle"})
	}
	return s
}

// Len returns the number of shapes, including reserved ones.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

// Root returns the root shape for a base layout, creating it on first use
// together with the layout's too-complex shapes. Roots are never subject to
// the complexity cap.
func (r *Registry) Root(layout string, embedded uint32) ID {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()

	if id, ok := r.byLayout[layout]; ok {
		return id
	}

	root := r.allocReserved(func(id ID, s *Shape) {
		s.id = id
		s.root = id
		s.kind = KindRoot
		s.capacity = embedded
		s.layout = layout
	})
	tc := r.allocReserved(func(id ID, s *Shape) {
		s.id = id
		s.parent = root
		s.root = root
		s.kind = KindTooComplex
		s.depth = 1
		s.layout = layout
	})
	tcf := r.allocReserved(func(id ID, s *Shape) {
		s.id = id
		s.parent = tc
		s.root = root
		s.kind = KindTooComplex
		s.depth = 2
		s.frozen = true
		s.layout = layout
	})

	r.roots.Store(root, &rootInfo{root: root, tooComplex: tc, tooComplexFrozen: tcf})
	r.byLayout[layout] = root
	trace.Point(r.tracer, trace.ScopeRegistry, "shape.root", layout,
		"root", strconv.FormatUint(uint64(root), 10),
		"embedded", strconv.FormatUint(uint64(embedded), 10))
	return root
}

// RootOf returns the root for a layout if one was created.
func (r *Registry) RootOf(layout string) (ID, bool) {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	id, ok := r.byLayout[layout]
	return id, ok
}

// Transition resolves the child of from that adds key with the given kind.
// The child is created if absent. Past the complexity cap, or past the
// root's variation limit, the root's too-complex shape is returned instead.
// Transitions from a too-complex shape return it unchanged.
func (r *Registry) Transition(from ID, key Key, kind Kind) ID {
	parent := r.Get(from)
	if parent.kind == KindTooComplex {
		return from
	}
	if parent.frozen {
		panic(&InvariantError{Op: "transition", Shape: from, Detail: "transition from frozen shape"})
	}
	if !kind.AddsProperty() {
		panic(&InvariantError{Op: "transition", Shape: from, Detail: "kind " + kind.String() + " does not add a property"})
	}

	ek := edgeKey{parent: from, key: key, kind: kind}
	if id, ok := r.lookupEdge(ek); ok {
		return id
	}
	return r.insertEdge(ek, parent, func(id ID, s *Shape) {
		next := r.addSlot(parent)
		s.id = id
		s.parent = from
		s.root = parent.root
		s.edge = key
		s.kind = kind
		s.nextSlot = next
		s.capacity = r.capacityFor(parent, next)
		s.depth = parent.depth + 1
		s.layout = parent.layout
	})
}

// Freeze resolves the frozen child of from. Freezing a frozen shape is a
// no-op; freezing a too-complex shape yields the root's frozen too-complex
// shape.
func (r *Registry) Freeze(from ID) ID {
	parent := r.Get(from)
	if parent.frozen {
		return from
	}
	if parent.kind == KindTooComplex {
		return r.info(parent.root).tooComplexFrozen
	}

	ek := edgeKey{parent: from, kind: KindFrozen}
	if id, ok := r.lookupEdge(ek); ok {
		return id
	}
	return r.insertEdge(ek, parent, func(id ID, s *Shape) {
		s.id = id
		s.parent = from
		s.root = parent.root
		s.kind = KindFrozen
		s.nextSlot = parent.nextSlot
		s.capacity = parent.capacity
		s.depth = parent.depth + 1
		s.frozen = true
		s.layout = parent.layout
	})
}

// TooComplex returns the designated dictionary-mode shape for from's root,
// keeping the frozen bit of from.
func (r *Registry) TooComplex(from ID) ID {
	s := r.Get(from)
	info := r.info(s.root)
	if s.frozen {
		return info.tooComplexFrozen
	}
	return info.tooComplex
}

// Index returns the slot index of key in shape id.
func (r *Registry) Index(id ID, key Key) (uint32, bool) {
	s := r.Get(id)
	if s.kind == KindTooComplex {
		return 0, false
	}
	if s.kind == KindFrozen {
		s = r.Get(s.parent)
	}
	for s.kind != KindRoot {
		rg := r.rangeOf(s)
		if idx, ok := rg.keys[key]; ok {
			return idx, true
		}
		if rg.next == InvalidID {
			break
		}
		s = r.Get(rg.next)
	}
	return 0, false
}

// Keys returns the keys of shape id in slot order.
func (r *Registry) Keys(id ID) []Key {
	s := r.Get(id)
	if s.kind == KindTooComplex {
		return nil
	}
	keys := make([]Key, s.nextSlot)
	for cur := s; cur.kind != KindRoot; cur = r.Get(cur.parent) {
		if cur.kind.AddsProperty() {
			keys[cur.nextSlot-1] = cur.edge
		}
	}
	return keys
}

// Children returns the direct children of id, ordered by handle.
func (r *Registry) Children(id ID) []ID {
	var out []ID
	for i := range r.edges {
		sh := &r.edges[i]
		sh.mu.RLock()
		for ek, child := range sh.m {
			if ek.parent == id {
				out = append(out, child)
			}
		}
		sh.mu.RUnlock()
	}
	if info, ok := r.roots.Load(id); ok {
		out = append(out, info.(*rootInfo).tooComplex)
	} else if s := r.Get(id); s.kind == KindTooComplex && !s.frozen {
		out = append(out, r.info(s.root).tooComplexFrozen)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each visits every shape in handle order until fn returns false.
func (r *Registry) Each(fn func(s *Shape) bool) {
	r.shapes.Each(func(h uint32, s *Shape) bool {
		if h == 0 {
			return true
		}
		return fn(s)
	})
}

// Roots returns every root in handle order.
func (r *Registry) Roots() []ID {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	out := make([]ID, 0, len(r.byLayout))
	for _, id := range r.byLayout {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mark hands every property key referenced by the tree to the collector.
func (r *Registry) Mark(fn func(Key)) {
	r.Each(func(s *Shape) bool {
		if s.kind.AddsProperty() {
			fn(s.edge)
		}
		return true
	})
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.rootMu.Lock()
	roots := len(r.byLayout)
	r.rootMu.Unlock()
	return Stats{
		Shapes:        r.Len(),
		Roots:         roots,
		MaxShapes:     r.cfg.MaxShapes,
		CapHits:       r.capHits.Load(),
		VariationHits: r.variationHits.Load(),
	}
}

func (r *Registry) info(root ID) *rootInfo {
	v, ok := r.roots.Load(root)
	if !ok {
		panic(&InvariantError{Op: "root", Shape: root, Detail: "shape is not a root"})
	}
	return v.(*rootInfo)
}

func (r *Registry) shardOf(ek edgeKey) *edgeShard {
	h := maphash.String(r.seed, string(ek.key))
	h ^= uint64(ek.parent)*0x9e3779b97f4a7c15 + uint64(ek.kind)
	return &r.edges[h%edgeShards]
}

func (r *Registry) lookupEdge(ek edgeKey) (ID, bool) {
	sh := r.shardOf(ek)
	sh.mu.RLock()
	id, ok := sh.m[ek]
	sh.mu.RUnlock()
	return id, ok
}

// insertEdge creates the child for ek unless another writer won the race.
func (r *Registry) insertEdge(ek edgeKey, parent *Shape, init func(id ID, s *Shape)) ID {
	sh := r.shardOf(ek)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if id, ok := sh.m[ek]; ok {
		return id
	}

	info := r.info(parent.root)
	branch := ek.kind.AddsProperty()
	if branch && !r.claimBranch(parent) {
		r.variationHits.Add(1)
		trace.Point(r.tracer, trace.ScopeRegistry, "shape.variations", parent.layout,
			"limit", strconv.Itoa(r.cfg.MaxVariations))
		return r.fallback(info, ek.kind)
	}

	if !r.reserve() {
		if branch {
			r.releaseBranch(parent)
		}
		r.capHits.Add(1)
		trace.Point(r.tracer, trace.ScopeRegistry, "shape.cap", parent.layout,
			"max", strconv.Itoa(r.cfg.MaxShapes))
		return r.fallback(info, ek.kind)
	}
	h, _, err := r.shapes.Alloc(func(h uint32, s *Shape) { init(ID(h), s) })
	if err != nil {
		if branch {
			r.releaseBranch(parent)
		}
		r.live.Add(-1)
		r.capHits.Add(1)
		return r.fallback(info, ek.kind)
	}

	id := ID(h)
	sh.m[ek] = id
	trace.Point(r.tracer, trace.ScopeRegistry, "shape.new", string(ek.key),
		"id", strconv.FormatUint(uint64(id), 10),
		"parent", strconv.FormatUint(uint64(ek.parent), 10),
		"kind", ek.kind.String())
	return id
}

// claimBranch counts a new property child of parent. Siblings hash to
// different edge shards, so the counters are claimed with compare-and-swap.
// The first child extends the lineage; every later one is a variation charged
// to the root and refused once the root's limit is reached.
func (r *Registry) claimBranch(parent *Shape) bool {
	if parent.children.CompareAndSwap(0, 1) {
		return true
	}
	root := r.Get(parent.root)
	for {
		v := root.variations.Load()
		if r.cfg.MaxVariations > 0 && int(v) >= r.cfg.MaxVariations {
			return false
		}
		if root.variations.CompareAndSwap(v, v+1) {
			parent.children.Add(1)
			return true
		}
	}
}

// releaseBranch undoes a claim whose shape could not be allocated.
func (r *Registry) releaseBranch(parent *Shape) {
	if parent.children.Add(^uint32(0)) > 0 {
		r.Get(parent.root).variations.Add(^uint32(0))
	}
}

func (r *Registry) fallback(info *rootInfo, kind Kind) ID {
	if kind == KindFrozen {
		return info.tooComplexFrozen
	}
	return info.tooComplex
}

// reserve claims one unit of the shape budget.
func (r *Registry) reserve() bool {
	limit := int64(r.cfg.MaxShapes)
	for {
		n := r.live.Load()
		if n >= limit {
			return false
		}
		if r.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *Registry) allocReserved(init func(id ID, s *Shape)) ID {
	h, _, err := r.shapes.Alloc(func(h uint32, s *Shape) { init(ID(h), s) })
	if err != nil {
		panic(&InvariantError{Op: "root", Detail: err.Error()})
	}
	r.live.Add(1)
	return ID(h)
}

func (r *Registry) addSlot(parent *Shape) uint32 {
	next, err := safecast.Conv[uint32](uint64(parent.nextSlot) + 1)
	if err != nil {
		panic(&InvariantError{Op: "transition", Shape: parent.id, Detail: fmt.Sprintf("slot index overflow: %v", err)})
	}
	return next
}

// capacityFor keeps the parent's capacity class while it still fits next
// slots and grows it geometrically otherwise.
func (r *Registry) capacityFor(parent *Shape, next uint32) uint32 {
	if next <= parent.capacity {
		return parent.capacity
	}
	c := uint64(parent.capacity) * uint64(r.cfg.GrowthFactor)
	if c < uint64(r.cfg.MinCapacity) {
		c = uint64(r.cfg.MinCapacity)
	}
	for c < uint64(next) {
		c *= uint64(r.cfg.GrowthFactor)
	}
	capacity, err := safecast.Conv[uint32](c)
	if err != nil {
		panic(&InvariantError{Op: "transition", Shape: parent.id, Detail: fmt.Sprintf("capacity class overflow: %v", err)})
	}
	return capacity
}

// slotRange indexes the keys of slots (n-low, n] of a lineage, where n is
// the owning shape's slot count and low its lowest set bit. A lookup walks at
// most log2(n) ranges, and a lineage of n slots stores O(n log n) entries
// however many of its shapes get indexed.
type slotRange struct {
	keys map[Key]uint32
	next ID // owner of the preceding range; InvalidID when it starts at slot 0
}

// rangeOf returns the range owned by the property-adding shape s, building
// and publishing it on first use. A range is immutable once published.
func (r *Registry) rangeOf(s *Shape) *slotRange {
	if rg := s.index.Load(); rg != nil {
		return rg
	}
	low := s.nextSlot & -s.nextSlot
	rg := &slotRange{keys: make(map[Key]uint32, low)}
	cur := s
	// Ancestors of a property shape are property shapes down to the root.
	for range low {
		rg.keys[cur.edge] = cur.nextSlot - 1
		cur = r.Get(cur.parent)
	}
	if cur.kind != KindRoot {
		rg.next = cur.id
	}
	if !s.index.CompareAndSwap(nil, rg) {
		return s.index.Load()
	}
	return rg
}
