package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format selects how events are rendered.
type Format uint8

const (
	FormatAuto   Format = iota // text, or NDJSON for a *.ndjson output path
	FormatText                 // one aligned line per event
	FormatNDJSON               // one JSON object per line
)

// ParseFormat converts a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	}
	return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: auto|text|ndjson)", s)
}

func formatFor(f Format, path string) Format {
	if f != FormatAuto {
		return f
	}
	if strings.HasSuffix(path, ".ndjson") {
		return FormatNDJSON
	}
	return FormatText
}

// AppendEvent appends ev rendered in format to buf, newline included.
func AppendEvent(buf []byte, ev *Event, format Format) []byte {
	if format == FormatNDJSON {
		return appendJSON(buf, ev)
	}
	return appendText(buf, ev)
}

type jsonEvent struct {
	Time   string            `json:"time"`
	Seq    uint64            `json:"seq"`
	Kind   string            `json:"kind"`
	Scope  string            `json:"scope"`
	Span   uint64            `json:"span,omitempty"`
	Parent uint64            `json:"parent,omitempty"`
	Name   string            `json:"name"`
	Detail string            `json:"detail,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

func appendJSON(buf []byte, ev *Event) []byte {
	je := jsonEvent{
		Time:   ev.Time.UTC().Format(time.RFC3339Nano),
		Seq:    ev.Seq,
		Kind:   ev.Kind.String(),
		Scope:  ev.Scope.String(),
		Span:   ev.Span,
		Parent: ev.Parent,
		Name:   ev.Name,
		Detail: ev.Detail,
	}
	if len(ev.Attrs) > 0 {
		je.Attrs = make(map[string]string, len(ev.Attrs))
		for _, a := range ev.Attrs {
			je.Attrs[a.Key] = a.Value
		}
	}
	data, err := json.Marshal(je)
	if err != nil {
		data = fmt.Appendf(nil, `{"seq":%d,"name":%q,"error":%q}`, ev.Seq, ev.Name, err.Error())
	}
	buf = append(buf, data...)
	return append(buf, '\n')
}

var kindMarks = [...]byte{
	KindSpanBegin: '>',
	KindSpanEnd:   '<',
	KindPoint:     '.',
	KindHeartbeat: '~',
}

// appendText renders "15:04:05.000000 #seq scope     > name [detail] k=v".
// Events inside a span are indented one level.
func appendText(buf []byte, ev *Event) []byte {
	buf = ev.Time.AppendFormat(buf, "15:04:05.000000")
	buf = append(buf, " #"...)
	buf = strconv.AppendUint(buf, ev.Seq, 10)
	buf = append(buf, ' ')
	scope := ev.Scope.String()
	buf = append(buf, scope...)
	for i := len(scope); i < len("collector"); i++ {
		buf = append(buf, ' ')
	}
	buf = append(buf, ' ')
	if ev.Parent != 0 {
		buf = append(buf, "  "...)
	}
	mark := byte('?')
	if int(ev.Kind) < len(kindMarks) && kindMarks[ev.Kind] != 0 {
		mark = kindMarks[ev.Kind]
	}
	buf = append(buf, mark, ' ')
	buf = append(buf, ev.Name...)
	if ev.Detail != "" {
		buf = append(buf, " ["...)
		buf = append(buf, ev.Detail...)
		buf = append(buf, ']')
	}
	for _, a := range ev.Attrs {
		buf = append(buf, ' ')
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = append(buf, a.Value...)
	}
	return append(buf, '\n')
}
