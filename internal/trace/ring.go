package trace

import (
	"io"
	"sync"
)

const defaultRingSize = 4096

// RingTracer keeps the most recent events in memory so they can be dumped
// after a failed run.
type RingTracer struct {
	level Level

	mu    sync.Mutex
	buf   []Event
	total uint64 // events ever stored; buf[total%len(buf)] is the next slot
}

// NewRingTracer creates a ring holding up to size events.
func NewRingTracer(size int, level Level) *RingTracer {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingTracer{level: level, buf: make([]Event, size)}
}

// Emit stores ev. At LevelError every scope is kept.
func (t *RingTracer) Emit(ev *Event) {
	if t.level == LevelOff {
		return
	}
	if t.level != LevelError && ev.Kind != KindHeartbeat && !t.level.ShouldEmit(ev.Scope) {
		return
	}
	t.mu.Lock()
	n := uint64(len(t.buf))
	t.buf[t.total%n] = *ev
	t.total++
	t.mu.Unlock()
}

// Last returns up to n of the newest events, oldest first. n <= 0 returns
// everything held.
func (t *RingTracer) Last(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := uint64(len(t.buf))
	held := min(t.total, size)
	if n > 0 && uint64(n) < held {
		held = uint64(n)
	}
	out := make([]Event, 0, held)
	for i := t.total - held; i < t.total; i++ {
		out = append(out, t.buf[i%size])
	}
	return out
}

// Snapshot returns every held event, oldest first.
func (t *RingTracer) Snapshot() []Event { return t.Last(0) }

// Dropped reports how many events were overwritten.
func (t *RingTracer) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size := uint64(len(t.buf)); t.total > size {
		return t.total - size
	}
	return 0
}

// Dump writes every held event to w.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	var line []byte
	for _, ev := range t.Snapshot() {
		line = AppendEvent(line[:0], &ev, format)
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error  { return nil }
func (t *RingTracer) Close() error  { return nil }
func (t *RingTracer) Level() Level  { return t.level }
func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
