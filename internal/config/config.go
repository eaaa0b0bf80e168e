// Package config loads shapeshift.toml, the runtime tuning file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"

	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
)

// FileName is the name searched for by Find.
const FileName = "shapeshift.toml"

var (
	// ErrNoLayouts indicates that no [[layout]] table is configured.
	ErrNoLayouts = errors.New("no [[layout]] configured")
	// ErrDuplicateLayout indicates two layouts share a name.
	ErrDuplicateLayout = errors.New("duplicate layout name")
	// ErrInvalidValue indicates an out-of-range tuning value.
	ErrInvalidValue = errors.New("invalid value")
)

// Config mirrors shapeshift.toml.
type Config struct {
	Shapes  ShapesConfig   `toml:"shapes"`
	Slots   SlotsConfig    `toml:"slots"`
	Generic GenericConfig  `toml:"generic"`
	Layouts []LayoutConfig `toml:"layout"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `toml:"-"`
}

// ShapesConfig tunes the shape registry.
type ShapesConfig struct {
	MaxShapes     int   `toml:"max_shapes"`
	MaxVariations int   `toml:"max_variations"`
	GrowthFactor  int   `toml:"growth_factor"`
	MinCapacity   int64 `toml:"min_capacity"`
}

// SlotsConfig tunes slot storage.
type SlotsConfig struct {
	TransientHeap      bool `toml:"transient_heap"`
	TransientHeapSlots int  `toml:"transient_heap_slots"`
}

// GenericConfig tunes the generic side table.
type GenericConfig struct {
	Shards int `toml:"shards"`
}

// LayoutConfig is one row of the per-kind capacity table.
type LayoutConfig struct {
	Name     string `toml:"name"`
	Embedded int64  `toml:"embedded"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rc := ivar.DefaultConfig()
	cfg := &Config{
		Shapes: ShapesConfig{
			MaxShapes:     rc.Shapes.MaxShapes,
			MaxVariations: rc.Shapes.MaxVariations,
			GrowthFactor:  rc.Shapes.GrowthFactor,
			MinCapacity:   int64(rc.Shapes.MinCapacity),
		},
		Slots: SlotsConfig{
			TransientHeap:      rc.TransientHeap,
			TransientHeapSlots: rc.TransientSlots,
		},
		Generic: GenericConfig{Shards: rc.GenericShards},
	}
	for _, l := range rc.Layouts {
		cfg.Layouts = append(cfg.Layouts, LayoutConfig{Name: l.Name, Embedded: int64(l.Embedded)})
	}
	return cfg
}

// Load reads path on top of the defaults. Tables missing from the file keep
// their default values; a file with any [[layout]] replaces the default
// layouts entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	defaults := cfg.Layouts
	cfg.Layouts = nil
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("layout") {
		cfg.Layouts = defaults
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Find walks up from startDir to locate shapeshift.toml.
func Find(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Resolve loads explicit when set, otherwise the nearest shapeshift.toml
// above startDir, otherwise the defaults.
func Resolve(explicit, startDir string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	path, ok, err := Find(startDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks value ranges and layout names.
func (c *Config) Validate() error {
	if c.Shapes.MaxShapes < 4 {
		return fmt.Errorf("%w: shapes.max_shapes must be at least 4, got %d", ErrInvalidValue, c.Shapes.MaxShapes)
	}
	if c.Shapes.MaxVariations < 0 {
		return fmt.Errorf("%w: shapes.max_variations must not be negative", ErrInvalidValue)
	}
	if c.Shapes.GrowthFactor < 2 {
		return fmt.Errorf("%w: shapes.growth_factor must be at least 2, got %d", ErrInvalidValue, c.Shapes.GrowthFactor)
	}
	if _, err := safecast.Conv[uint32](c.Shapes.MinCapacity); err != nil || c.Shapes.MinCapacity == 0 {
		return fmt.Errorf("%w: shapes.min_capacity %d", ErrInvalidValue, c.Shapes.MinCapacity)
	}
	if c.Slots.TransientHeapSlots < 0 {
		return fmt.Errorf("%w: slots.transient_heap_slots must not be negative", ErrInvalidValue)
	}
	if s := c.Generic.Shards; s <= 0 || s&(s-1) != 0 {
		return fmt.Errorf("%w: generic.shards must be a power of two, got %d", ErrInvalidValue, s)
	}
	if len(c.Layouts) == 0 {
		return ErrNoLayouts
	}
	seen := make(map[string]struct{}, len(c.Layouts))
	for _, l := range c.Layouts {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return fmt.Errorf("%w: layout without a name", ErrInvalidValue)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateLayout, name)
		}
		seen[name] = struct{}{}
		if _, err := safecast.Conv[uint32](l.Embedded); err != nil {
			return fmt.Errorf("%w: layout %q embedded %d: %w", ErrInvalidValue, name, l.Embedded, err)
		}
	}
	return nil
}

// Runtime converts the file into a runtime configuration. It validates
// first.
func (c *Config) Runtime() (ivar.Config, error) {
	if err := c.Validate(); err != nil {
		return ivar.Config{}, err
	}
	minCap, err := safecast.Conv[uint32](c.Shapes.MinCapacity)
	if err != nil {
		return ivar.Config{}, err
	}
	rc := ivar.Config{
		Shapes: shape.Config{
			MaxShapes:     c.Shapes.MaxShapes,
			MaxVariations: c.Shapes.MaxVariations,
			GrowthFactor:  c.Shapes.GrowthFactor,
			MinCapacity:   minCap,
		},
		TransientHeap:  c.Slots.TransientHeap,
		TransientSlots: c.Slots.TransientHeapSlots,
		GenericShards:  c.Generic.Shards,
	}
	for _, l := range c.Layouts {
		embedded, err := safecast.Conv[uint32](l.Embedded)
		if err != nil {
			return ivar.Config{}, err
		}
		rc.Layouts = append(rc.Layouts, ivar.Layout{Name: strings.TrimSpace(l.Name), Embedded: embedded})
	}
	return rc, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
