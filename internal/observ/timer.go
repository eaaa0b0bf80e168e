// Package observ records wall-clock phases of a CLI run.
package observ

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"shapeshift/internal/trace"
)

// Phase is one timed step of a run: load, run, check, dump.
type Phase struct {
	Name string
	Dur  time.Duration
	Note string
	Err  bool
}

// Timer collects phases in the order they finish. Each phase is also
// reported as a runtime trace span.
type Timer struct {
	tracer trace.Tracer

	mu     sync.Mutex
	phases []Phase
}

// NewTimer creates a Timer. tracer may be nil.
func NewTimer(tracer trace.Tracer) *Timer {
	return &Timer{tracer: trace.OrNop(tracer)}
}

// Time runs fn as the phase name. The note fn returns is shown next to the
// phase; a failed phase without a note is marked "failed".
func (t *Timer) Time(name string, fn func() (note string, err error)) error {
	span := trace.Begin(t.tracer, trace.ScopeRuntime, "phase."+name, 0)
	start := time.Now()
	note, err := fn()
	p := Phase{Name: name, Dur: time.Since(start), Note: note, Err: err != nil}
	if p.Err && p.Note == "" {
		p.Note = "failed"
	}
	span.End(p.Note)

	t.mu.Lock()
	t.phases = append(t.phases, p)
	t.mu.Unlock()
	return err
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// PhaseReport is the serialized form of one phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Share      float64 `json:"share"` // fraction of the total, 0..1
	Note       string  `json:"note,omitempty"`
	Failed     bool    `json:"failed,omitempty"`
}

// Report is the serialized form of a Timer.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report summarizes every phase.
func (t *Timer) Report() Report {
	phases := t.Phases()
	var total time.Duration
	for _, p := range phases {
		total += p.Dur
	}
	rep := Report{TotalMS: millis(total)}
	for _, p := range phases {
		pr := PhaseReport{Name: p.Name, DurationMS: millis(p.Dur), Note: p.Note, Failed: p.Err}
		if total > 0 {
			pr.Share = float64(p.Dur) / float64(total)
		}
		rep.Phases = append(rep.Phases, pr)
	}
	return rep
}

// Summary renders the report as an aligned table.
func (t *Timer) Summary() string {
	rep := t.Report()
	width := len("total")
	for _, p := range rep.Phases {
		width = max(width, len(p.Name))
	}
	var b strings.Builder
	b.WriteString("timings:\n")
	for _, p := range rep.Phases {
		fmt.Fprintf(&b, "  %-*s %9.2f ms %5.1f%%", width, p.Name, p.DurationMS, p.Share*100)
		if p.Note != "" {
			b.WriteString("  " + p.Note)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "  %-*s %9.2f ms\n", width, "total", rep.TotalMS)
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
