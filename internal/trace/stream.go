package trace

import (
	"bufio"
	"io"
	"sync"
)

// StreamTracer renders events to a writer as they arrive. Output is
// buffered; Flush or Close pushes it out.
type StreamTracer struct {
	level  Level
	format Format

	mu  sync.Mutex
	bw  *bufio.Writer
	dst io.Writer
	buf []byte
}

// NewStreamTracer creates a StreamTracer writing to w.
func NewStreamTracer(w io.Writer, level Level, format Format) *StreamTracer {
	return &StreamTracer{
		level:  level,
		format: formatFor(format, ""),
		bw:     bufio.NewWriter(w),
		dst:    w,
	}
}

// Emit renders ev. Write errors are dropped: a broken trace sink must not
// fail the runtime.
func (t *StreamTracer) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !t.level.ShouldEmit(ev.Scope) {
		return
	}
	t.mu.Lock()
	t.buf = AppendEvent(t.buf[:0], ev, t.format)
	_, _ = t.bw.Write(t.buf)
	t.mu.Unlock()
}

func (t *StreamTracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bw.Flush()
}

// Close flushes and closes the destination when it is an io.Closer.
func (t *StreamTracer) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	if c, ok := t.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *StreamTracer) Level() Level  { return t.level }
func (t *StreamTracer) Enabled() bool { return t.level > LevelOff }
