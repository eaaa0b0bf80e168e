package trace

import "errors"

// MultiTracer forwards every event to each child tracer.
type MultiTracer struct {
	level    Level
	children []Tracer
}

// NewMultiTracer combines children under one level.
func NewMultiTracer(level Level, children ...Tracer) *MultiTracer {
	return &MultiTracer{level: level, children: children}
}

// Emit hands each child its own copy of ev.
func (t *MultiTracer) Emit(ev *Event) {
	for _, c := range t.children {
		cp := *ev
		c.Emit(&cp)
	}
}

func (t *MultiTracer) Flush() error {
	var errs []error
	for _, c := range t.children {
		errs = append(errs, c.Flush())
	}
	return errors.Join(errs...)
}

func (t *MultiTracer) Close() error {
	var errs []error
	for _, c := range t.children {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (t *MultiTracer) Level() Level  { return t.level }
func (t *MultiTracer) Enabled() bool { return t.level > LevelOff }

// Ring returns the first ring child, or nil.
func (t *MultiTracer) Ring() *RingTracer {
	for _, c := range t.children {
		if r, ok := c.(*RingTracer); ok {
			return r
		}
	}
	return nil
}

// RingOf returns the ring buffer behind t, if it has one.
func RingOf(t Tracer) *RingTracer {
	switch t := t.(type) {
	case *RingTracer:
		return t
	case *MultiTracer:
		return t.Ring()
	}
	return nil
}
