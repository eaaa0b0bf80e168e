// Package scenario loads and runs TOML workload files against a heap.
// Every [[domain]] runs in its own isolation domain, concurrently with the
// others; object names are private to the domain that binds them.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/unicode/norm"
)

// Op names a scenario step.
type Op string

const (
	OpNew       Op = "new"
	OpSet       Op = "set"
	OpGet       Op = "get"
	OpDelete    Op = "delete"
	OpFreeze    Op = "freeze"
	OpCopy      Op = "copy"
	OpKeys      Op = "keys"
	OpDrop      Op = "drop"
	OpMove      Op = "move"
	OpCompact   Op = "compact"
	OpCollect   Op = "collect"
	OpGSet      Op = "gset"
	OpGGet      Op = "gget"
	OpGLocal    Op = "glocal"
	OpGReadOnly Op = "greadonly"
)

// collector reports whether the op takes the heap exclusively.
func (o Op) collector() bool {
	return o == OpMove || o == OpCompact || o == OpCollect
}

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid scenario")

// File is a parsed scenario.
type File struct {
	Name    string       `toml:"name"`
	Domains []DomainSpec `toml:"domain"`

	Path string `toml:"-"`
}

// DomainSpec is one [[domain]] table.
type DomainSpec struct {
	Name  string `toml:"name"`
	Steps []Step `toml:"steps"`
}

// Step is one operation. Which fields matter depends on Op.
type Step struct {
	Op     Op     `toml:"op"`
	Obj    string `toml:"obj"`
	Src    string `toml:"src"`
	Layout string `toml:"layout"`
	Key    string `toml:"key"`
	Name   string `toml:"name"`
	Value  string `toml:"value"`
	Expect string `toml:"expect"`
	// Error is the expected failure kind ("frozen", "isolation", ...).
	Error string `toml:"error"`
}

// Load reads and validates a scenario file.
func Load(path string) (*File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: %w: unknown key %s", path, ErrInvalid, undecoded[0])
	}
	f.Path = path
	if err := f.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Parse decodes a scenario from TOML text.
func Parse(data string) (*File, error) {
	var f File
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Steps returns the total number of steps.
func (f *File) Steps() int {
	n := 0
	for _, d := range f.Domains {
		n += len(d.Steps)
	}
	return n
}

// normalize validates the file and brings property keys and global names
// into NFC so visually equal names share a shape edge.
func (f *File) normalize() error {
	if len(f.Domains) == 0 {
		return fmt.Errorf("%w: no [[domain]]", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(f.Domains))
	for di := range f.Domains {
		d := &f.Domains[di]
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			d.Name = fmt.Sprintf("domain%d", di+1)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: duplicate domain %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = struct{}{}
		for si := range d.Steps {
			st := &d.Steps[si]
			st.Op = Op(strings.ToLower(strings.TrimSpace(string(st.Op))))
			st.Key = norm.NFC.String(st.Key)
			st.Name = norm.NFC.String(st.Name)
			if err := st.validate(); err != nil {
				return fmt.Errorf("%w: domain %q step %d: %w", ErrInvalid, d.Name, si+1, err)
			}
		}
	}
	return nil
}

func (s *Step) validate() error {
	need := func(field, v string) error {
		if v == "" {
			return fmt.Errorf("%s needs %s", s.Op, field)
		}
		return nil
	}
	switch s.Op {
	case OpNew:
		return errors.Join(need("obj", s.Obj), need("layout", s.Layout))
	case OpSet:
		return errors.Join(need("obj", s.Obj), need("key", s.Key), need("value", s.Value))
	case OpGet, OpDelete:
		return errors.Join(need("obj", s.Obj), need("key", s.Key))
	case OpFreeze, OpKeys, OpDrop, OpMove:
		return need("obj", s.Obj)
	case OpCopy:
		return errors.Join(need("obj", s.Obj), need("src", s.Src))
	case OpCompact, OpCollect:
		return nil
	case OpGSet, OpGReadOnly:
		return errors.Join(need("name", s.Name), need("value", s.Value))
	case OpGGet, OpGLocal:
		return need("name", s.Name)
	case "":
		return errors.New("missing op")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
}
