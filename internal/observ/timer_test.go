package observ

import (
	"errors"
	"strings"
	"testing"

	"shapeshift/internal/trace"
)

func TestTimerReport(t *testing.T) {
	ring := trace.NewRingTracer(16, trace.LevelDebug)
	tm := NewTimer(ring)
	if err := tm.Time("load", func() (string, error) { return "3 domains", nil }); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := tm.Time("run", func() (string, error) { return "", errors.New("boom") })
	if err == nil {
		t.Fatalf("Time swallowed the error")
	}

	rep := tm.Report()
	if len(rep.Phases) != 2 {
		t.Fatalf("phases = %+v", rep.Phases)
	}
	if rep.Phases[0].Note != "3 domains" || rep.Phases[1].Note != "failed" || !rep.Phases[1].Failed {
		t.Fatalf("phases = %+v", rep.Phases)
	}
	sum := tm.Summary()
	if !strings.Contains(sum, "load") || !strings.Contains(sum, "total") || !strings.Contains(sum, "failed") {
		t.Fatalf("summary = %q", sum)
	}
	var names []string
	for _, ev := range ring.Snapshot() {
		if ev.Kind == trace.KindSpanEnd {
			names = append(names, ev.Name)
		}
	}
	if strings.Join(names, ",") != "phase.load,phase.run" {
		t.Fatalf("phase spans = %v", names)
	}
}

func TestEmptyTimer(t *testing.T) {
	rep := NewTimer(nil).Report()
	if rep.TotalMS != 0 || len(rep.Phases) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
