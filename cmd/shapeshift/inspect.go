package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"shapeshift/internal/dump"
	"shapeshift/internal/shape"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [flags] <file.mp>",
	Short: "Print a shape-tree snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		tree, err := cmd.Flags().GetBool("tree")
		if err != nil {
			return fmt.Errorf("failed to get tree flag: %w", err)
		}
		maxDepth, err := cmd.Flags().GetInt("max-depth")
		if err != nil {
			return fmt.Errorf("failed to get max-depth flag: %w", err)
		}
		snap, err := dump.Read(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch strings.ToLower(format) {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		case "pretty":
			renderSnapshot(out, snap)
			if tree {
				renderTree(out, snap, maxDepth)
			}
			return nil
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
		}
	},
}

func init() {
	inspectCmd.Flags().String("format", "pretty", "output format (pretty|json)")
	inspectCmd.Flags().Bool("tree", false, "print the transition tree")
	inspectCmd.Flags().Int("max-depth", 0, "limit tree depth (0=unlimited)")
}

var headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

func renderSnapshot(out io.Writer, snap *dump.Snapshot) {
	fmt.Fprintln(out, headingStyle.Render("snapshot"))
	fmt.Fprintf(out, "  tool     %s\n", valueOrUnknown(snap.Tool))
	fmt.Fprintf(out, "  source   %s\n", valueOrUnknown(snap.Source))
	fmt.Fprintf(out, "  created  %s\n", time.Unix(snap.Created, 0).UTC().Format(time.RFC3339))

	fmt.Fprintln(out, headingStyle.Render("layouts"))
	width := 0
	for _, l := range snap.Layouts {
		width = max(width, runewidth.StringWidth(l.Name))
	}
	for _, l := range snap.Layouts {
		storage := fmt.Sprintf("%d embedded", l.Embedded)
		if l.Embedded == 0 {
			storage = "side table"
		}
		fmt.Fprintf(out, "  %s  root %-6d %s\n", runewidth.FillRight(l.Name, width), l.Root, storage)
	}

	r := snap.Registry
	fmt.Fprintln(out, headingStyle.Render("registry"))
	fmt.Fprintf(out, "  shapes   %d / %d\n", r.Shapes, r.MaxShapes)
	fmt.Fprintf(out, "  roots    %d\n", r.Roots)
	fmt.Fprintf(out, "  cap hits %s  variation hits %s\n", warnCount(r.CapHits), warnCount(r.VariationHits))

	h := snap.Heap
	fmt.Fprintln(out, headingStyle.Render("heap"))
	fmt.Fprintf(out, "  objects  %d live, %d freed, %d allocated\n", h.Live, h.Freed, h.Allocated)
	fmt.Fprintf(out, "  moves    %d  collections %d  side table %d\n", h.Moves, h.Collections, snap.Generic)
}

func warnCount(n uint64) string {
	if n == 0 {
		return "0"
	}
	return color.YellowString("%d", n)
}

func renderTree(out io.Writer, snap *dump.Snapshot, maxDepth int) {
	fmt.Fprintln(out, headingStyle.Render("tree"))
	children := snap.Children()
	var walk func(id uint32, indent int)
	walk = func(id uint32, indent int) {
		rec, ok := snap.Find(id)
		if !ok {
			return
		}
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", indent+1), describeShape(rec))
		if maxDepth > 0 && indent+1 >= maxDepth {
			if n := len(children[id]); n > 0 {
				fmt.Fprintf(out, "%s... %d more\n", strings.Repeat("  ", indent+2), n)
			}
			return
		}
		for _, child := range children[id] {
			walk(child, indent+1)
		}
	}
	for _, l := range snap.Layouts {
		walk(l.Root, 0)
	}
}

func describeShape(rec dump.ShapeRecord) string {
	kind := shape.Kind(rec.Kind)
	var label string
	switch {
	case kind == shape.KindRoot:
		label = color.CyanString("%s", rec.Layout)
	case kind.AddsProperty():
		label = rec.Edge
		if kind == shape.KindExternalIvar {
			label += " (ext)"
		}
	case kind == shape.KindTooComplex:
		label = color.YellowString("too complex")
	default:
		label = kind.String()
	}
	if rec.Frozen {
		label += color.BlueString(" frozen")
	}
	return fmt.Sprintf("#%d %s  [%d/%d]", rec.ID, label, rec.NextSlot, rec.Capacity)
}

func valueOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
