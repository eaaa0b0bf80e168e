// Package dump writes and reads msgpack snapshots of a runtime's shape tree.
package dump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"shapeshift/internal/heap"
	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
)

// Current schema version - increment when Snapshot format changes
const SchemaVersion uint16 = 1

// ErrSchema reports a snapshot written with another schema version.
var ErrSchema = errors.New("snapshot schema mismatch")

// Snapshot is the on-disk form of a shape tree plus runtime counters.
type Snapshot struct {
	Schema  uint16
	Tool    string
	Source  string
	Created int64 // unix seconds

	Layouts []LayoutRecord
	Shapes  []ShapeRecord

	Registry RegistryStats
	Heap     HeapStats
	Generic  int // live side-table entries
}

// LayoutRecord is one configured object kind.
type LayoutRecord struct {
	Name     string
	Embedded uint32
	Root     uint32
}

// ShapeRecord is one node of the shape tree.
type ShapeRecord struct {
	ID       uint32
	Parent   uint32
	Root     uint32
	Edge     string
	Kind     uint8
	NextSlot uint32
	Capacity uint32
	Depth    uint32
	Frozen   bool
	Layout   string
}

// RegistryStats mirrors shape.Stats.
type RegistryStats struct {
	Shapes        int
	Roots         int
	MaxShapes     int
	CapHits       uint64
	VariationHits uint64
}

// HeapStats mirrors heap.Stats.
type HeapStats struct {
	Live        int
	Freed       int
	Allocated   uint64
	Moves       uint64
	Collections uint64
}

// Capture snapshots rt. h may be nil.
func Capture(rt *ivar.Runtime, h *heap.Heap) *Snapshot {
	reg := rt.Shapes()
	snap := &Snapshot{
		Schema:  SchemaVersion,
		Created: time.Now().Unix(),
		Generic: rt.Generic().Len(),
	}
	for _, l := range rt.Layouts() {
		root, _ := reg.RootOf(l.Name)
		snap.Layouts = append(snap.Layouts, LayoutRecord{Name: l.Name, Embedded: l.Embedded, Root: uint32(root)})
	}
	reg.Each(func(s *shape.Shape) bool {
		snap.Shapes = append(snap.Shapes, ShapeRecord{
			ID:       uint32(s.ID()),
			Parent:   uint32(s.Parent()),
			Root:     uint32(s.Root()),
			Edge:     string(s.Edge()),
			Kind:     uint8(s.Kind()),
			NextSlot: s.NextSlot(),
			Capacity: s.Capacity(),
			Depth:    s.Depth(),
			Frozen:   s.Frozen(),
			Layout:   s.Layout(),
		})
		return true
	})
	st := reg.Stats()
	snap.Registry = RegistryStats(st)
	if h != nil {
		snap.Heap = HeapStats(h.Stats())
	}
	return snap
}

// Write encodes snap to path. The file is replaced atomically.
func Write(path string, snap *Snapshot) (err error) {
	if snap == nil {
		return fmt.Errorf("dump: nil snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "tmp-*.mp")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}()

	enc := msgpack.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Read decodes the snapshot at path. A schema mismatch returns ErrSchema.
func Read(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap Snapshot
	if err := msgpack.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if snap.Schema != SchemaVersion {
		return nil, fmt.Errorf("%s: %w: got %d, want %d", path, ErrSchema, snap.Schema, SchemaVersion)
	}
	return &snap, nil
}

// Children indexes the tree by parent handle, children in handle order.
func (s *Snapshot) Children() map[uint32][]uint32 {
	out := make(map[uint32][]uint32, len(s.Shapes))
	for _, rec := range s.Shapes {
		if rec.Parent != 0 {
			out[rec.Parent] = append(out[rec.Parent], rec.ID)
		}
	}
	for _, ids := range out {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return out
}

// Find returns the record with handle id.
func (s *Snapshot) Find(id uint32) (ShapeRecord, bool) {
	i := sort.Search(len(s.Shapes), func(i int) bool { return s.Shapes[i].ID >= id })
	if i < len(s.Shapes) && s.Shapes[i].ID == id {
		return s.Shapes[i], true
	}
	return ShapeRecord{}, false
}

// Path returns the property keys added on the way from the root to id.
func (s *Snapshot) Path(id uint32) []string {
	var keys []string
	for id != 0 {
		rec, ok := s.Find(id)
		if !ok {
			break
		}
		if shape.Kind(rec.Kind).AddsProperty() {
			keys = append(keys, rec.Edge)
		}
		id = rec.Parent
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}
