package trace

import (
	"sync/atomic"
	"time"
)

var (
	seqCounter  atomic.Uint64
	spanCounter atomic.Uint64
)

func nextSeq() uint64 { return seqCounter.Add(1) }

// Wants reports whether t records events of the given scope. A tracer at
// LevelError keeps everything; its ring only surfaces after a failure.
func Wants(t Tracer, scope Scope) bool {
	if t == nil || !t.Enabled() {
		return false
	}
	l := t.Level()
	return l == LevelError || l.ShouldEmit(scope)
}

// Span is an open interval of work. A disabled span is a valid no-op.
type Span struct {
	tracer  Tracer
	id      uint64
	parent  uint64
	scope   Scope
	name    string
	started time.Time
	attrs   []Attr
}

// Begin opens a span under parent (0 for a top-level span).
func Begin(t Tracer, scope Scope, name string, parent uint64) *Span {
	if !Wants(t, scope) {
		return &Span{}
	}
	s := &Span{
		tracer:  t,
		id:      spanCounter.Add(1),
		parent:  parent,
		scope:   scope,
		name:    name,
		started: time.Now(),
	}
	t.Emit(&Event{
		Time:   s.started,
		Seq:    nextSeq(),
		Kind:   KindSpanBegin,
		Scope:  scope,
		Span:   s.id,
		Parent: parent,
		Name:   name,
	})
	return s
}

// WithExtra attaches an attribute reported when the span ends.
func (s *Span) WithExtra(key, value string) *Span {
	if s == nil || s.tracer == nil {
		return s
	}
	s.attrs = append(s.attrs, Attr{Key: key, Value: value})
	return s
}

// End closes the span and returns its duration. The duration is reported
// as the "elapsed" attribute.
func (s *Span) End(detail string) time.Duration {
	if s == nil || s.tracer == nil {
		return 0
	}
	dur := time.Since(s.started)
	attrs := append(s.attrs, Attr{Key: "elapsed", Value: dur.Round(time.Microsecond).String()})
	s.tracer.Emit(&Event{
		Time:   time.Now(),
		Seq:    nextSeq(),
		Kind:   KindSpanEnd,
		Scope:  s.scope,
		Span:   s.id,
		Parent: s.parent,
		Name:   s.name,
		Detail: detail,
		Attrs:  attrs,
	})
	return dur
}

// ID returns the span ID, 0 for a disabled span.
func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Point emits an instant event. kv is a flat list of key, value pairs.
func Point(t Tracer, scope Scope, name, detail string, kv ...string) {
	if !Wants(t, scope) {
		return
	}
	t.Emit(&Event{
		Time:   time.Now(),
		Seq:    nextSeq(),
		Kind:   KindPoint,
		Scope:  scope,
		Name:   name,
		Detail: detail,
		Attrs:  pairs(kv),
	})
}
