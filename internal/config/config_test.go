package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rc, err := cfg.Runtime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if len(rc.Layouts) != 2 || rc.Layouts[0].Name != "object" || rc.Layouts[0].Embedded != 3 {
		t.Fatalf("layouts = %+v", rc.Layouts)
	}
	if !rc.Layouts[1].Generic() {
		t.Fatalf("class layout should use the side table")
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `
[shapes]
max_shapes = 1024

[[layout]]
name = "struct"
embedded = 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shapes.MaxShapes != 1024 {
		t.Fatalf("max_shapes = %d", cfg.Shapes.MaxShapes)
	}
	if cfg.Shapes.GrowthFactor != 2 || cfg.Generic.Shards != 64 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Layouts) != 1 || cfg.Layouts[0].Name != "struct" {
		t.Fatalf("layouts = %+v", cfg.Layouts)
	}
	if cfg.Path != path {
		t.Fatalf("path = %q", cfg.Path)
	}
}

func TestLoadWithoutLayoutsKeepsDefaultLayouts(t *testing.T) {
	path := writeFile(t, t.TempDir(), "[generic]\nshards = 8\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Layouts) != 2 || cfg.Generic.Shards != 8 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"duplicate", "[[layout]]\nname = \"a\"\n[[layout]]\nname = \"a\"\n", ErrDuplicateLayout},
		{"shards", "[generic]\nshards = 6\n", ErrInvalidValue},
		{"growth", "[shapes]\ngrowth_factor = 1\n", ErrInvalidValue},
		{"embedded", "[[layout]]\nname = \"a\"\nembedded = -1\n", ErrInvalidValue},
	}
	for _, tc := range cases {
		path := writeFile(t, t.TempDir(), tc.body)
		if _, err := Load(path); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	path := writeFile(t, t.TempDir(), "[shapes]\nmax_shape = 3\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, ok, err := Find(nested)
	if err != nil || !ok || got != want {
		t.Fatalf("Find = %q, %v, %v", got, ok, err)
	}
	cfg, err := Resolve("", nested)
	if err != nil || cfg.Path != want {
		t.Fatalf("Resolve = %+v, %v", cfg, err)
	}
}

func TestEncodeRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := Default().Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := writeFile(t, t.TempDir(), buf.String())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(cfg.Layouts) != 2 || cfg.Shapes.MaxShapes != Default().Shapes.MaxShapes {
		t.Fatalf("reloaded = %+v", cfg)
	}
}
