package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"shapeshift/internal/scenario"
)

func testFile() *scenario.File {
	return &scenario.File{Domains: []scenario.DomainSpec{
		{Name: "alpha", Steps: make([]scenario.Step, 4)},
		{Name: "beta", Steps: make([]scenario.Step, 4)},
	}}
}

func TestApplyTracksFraction(t *testing.T) {
	m := NewProgressModel("demo", testFile(), nil).(*progressModel)
	m.apply(scenario.Event{Domain: "alpha", Step: 2, Total: 4, Status: scenario.StatusWorking, Op: scenario.OpSet})
	if got := m.fraction(); got != 0.25 {
		t.Fatalf("fraction = %v", got)
	}
	m.apply(scenario.Event{Domain: "beta", Step: 1, Total: 4, Status: scenario.StatusError,
		Err: errors.New("step 1: frozen"), Elapsed: 3 * time.Millisecond})
	if got := m.fraction(); got != 0.75 {
		t.Fatalf("fraction after error = %v", got)
	}
	m.apply(scenario.Event{Domain: "nobody", Status: scenario.StatusDone})

	view := m.View()
	for _, want := range []string{"alpha (set)", "error", "step 1: frozen", "1/2 domains", "1 failed", "3ms"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestClosedChannelQuits(t *testing.T) {
	events := make(chan scenario.Event)
	close(events)
	m := NewProgressModel("demo", testFile(), events).(*progressModel)
	msg := m.next()()
	if _, ok := msg.(closedMsg); !ok {
		t.Fatalf("msg = %#v", msg)
	}
	if _, cmd := m.Update(msg); cmd == nil || !m.closed {
		t.Fatalf("model did not quit on a closed channel")
	}
	if !strings.HasPrefix(m.View(), "done: demo") {
		t.Fatalf("view = %q", m.View())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("domain-with-a-long-name", 10); got != "domain-..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
