package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
)

var kindNames = [...]string{
	KindSpanBegin: "begin",
	KindSpanEnd:   "end",
	KindPoint:     "point",
	KindHeartbeat: "heartbeat",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Scope indicates the granularity of the event.
// Lower numeric values are coarser.
type Scope uint8

const (
	ScopeRuntime   Scope = iota + 1 // driver-level operations
	ScopeCollector                  // collector passes
	ScopeRegistry                   // shape tree
	ScopeObject                     // individual objects and globals
	ScopeSlot                       // individual slot writes (debug only)
)

var scopeNames = [...]string{
	ScopeRuntime:   "runtime",
	ScopeCollector: "collector",
	ScopeRegistry:  "registry",
	ScopeObject:    "object",
	ScopeSlot:      "slot",
}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && scopeNames[s] != "" {
		return scopeNames[s]
	}
	return "unknown"
}

// Attr is one key/value annotation on an event. Attributes keep the order
// they were attached in.
type Attr struct {
	Key   string
	Value string
}

// Event is a single trace record.
type Event struct {
	Time   time.Time
	Seq    uint64 // process-wide, assigned by the emitter
	Kind   Kind
	Scope  Scope
	Span   uint64 // span the event opens or closes
	Parent uint64 // enclosing span, 0 at top level
	Name   string // "compact", "shape.cap", "ivar.dictionary", ...
	Detail string
	Attrs  []Attr
}

// Attr returns the value of the first attribute named key.
func (ev *Event) Attr(key string) (string, bool) {
	for _, a := range ev.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// pairs turns a flat key, value list into attributes. A trailing key
// without a value is dropped.
func pairs(kv []string) []Attr {
	if len(kv) < 2 {
		return nil
	}
	out := make([]Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Attr{Key: kv[i], Value: kv[i+1]})
	}
	return out
}
