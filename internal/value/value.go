package value

import (
	"fmt"
	"math"
	"strconv"
)

// Addr is the current identity of a heap object. The collector may change it
// when it moves the object, so it must never be used as a stable hash.
type Addr uint64

// NoAddr is the zero identity; no live object ever has it.
const NoAddr Addr = 0

// String returns the address as "0x..." for diagnostics.
func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Kind discriminates the payload carried by a Value.
type Kind uint8

const (
	// KindUndef is the zero kind: the distinguished "undefined" sentinel.
	KindUndef Kind = iota
	KindNil
	KindBool
	KindInt
	KindFloat
	KindString
	KindRef
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUndef:
		return "undef"
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Value is a property value. The zero Value is undefined, so freshly grown
// slots read as undefined without explicit initialization.
type Value struct {
	Kind Kind
	bits uint64
	str  string
}

// Undef returns the undefined sentinel.
func Undef() Value { return Value{} }

// Nil returns the nil value.
func Nil() Value { return Value{Kind: KindNil} }

// Bool wraps a boolean.
func Bool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

// Int wraps a signed integer.
func Int(i int64) Value { return Value{Kind: KindInt, bits: uint64(i)} }

// Float wraps a float.
func Float(f float64) Value { return Value{Kind: KindFloat, bits: math.Float64bits(f)} }

// Str wraps a string.
func Str(s string) Value { return Value{Kind: KindString, str: s} }

// Ref wraps a reference to another heap object.
func Ref(a Addr) Value { return Value{Kind: KindRef, bits: uint64(a)} }

// IsUndef reports whether v is the undefined sentinel.
func (v Value) IsUndef() bool { return v.Kind == KindUndef }

// IsRef reports whether v references a heap object.
func (v Value) IsRef() bool { return v.Kind == KindRef }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.Kind == KindBool && v.bits != 0 }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return int64(v.bits) }

// AsFloat returns the float payload.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

// AsString returns the string payload.
func (v Value) AsString() string { return v.str }

// AsRef returns the referenced address, or NoAddr for non-references.
func (v Value) AsRef() Addr {
	if v.Kind != KindRef {
		return NoAddr
	}
	return Addr(v.bits)
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.bits == o.bits && v.str == o.str
}

// String renders the value the way scenario files spell it.
func (v Value) String() string {
	switch v.Kind {
	case KindUndef:
		return "undef"
	case KindNil:
		return "nil"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindString:
		return v.str
	case KindRef:
		return "@" + v.AsRef().String()
	default:
		return "<invalid>"
	}
}

// Forwarder maps a relocated identity to its new value. ok is false when the
// address did not move.
type Forwarder func(old Addr) (Addr, bool)

// Forward rewrites a reference through f. It reports whether v changed.
func (v Value) Forward(f Forwarder) (Value, bool) {
	if v.Kind != KindRef || f == nil {
		return v, false
	}
	to, ok := f(v.AsRef())
	if !ok {
		return v, false
	}
	return Ref(to), true
}
