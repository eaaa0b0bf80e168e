package trace

import (
	"strconv"
	"time"
)

// Heartbeat emits a periodic event so a scenario that stops making
// progress still shows up in the trace.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

// StartHeartbeat begins beating every interval. It returns nil when tracer
// is disabled or interval is not positive; Stop on nil is a no-op.
func StartHeartbeat(tracer Tracer, interval time.Duration) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go h.beat(tracer, interval)
	return h
}

func (h *Heartbeat) beat(tracer Tracer, interval time.Duration) {
	defer close(h.done)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for n := 1; ; n++ {
		select {
		case <-h.stop:
			return
		case now := <-tick.C:
			tracer.Emit(&Event{
				Time:   now,
				Seq:    nextSeq(),
				Kind:   KindHeartbeat,
				Scope:  ScopeRuntime,
				Name:   "heartbeat",
				Detail: "#" + strconv.Itoa(n),
			})
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine. It must be called
// at most once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	close(h.stop)
	<-h.done
}
