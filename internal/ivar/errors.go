package ivar

import (
	"errors"
	"fmt"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

// ErrorKind classifies property operation failures.
type ErrorKind uint8

const (
	// ErrFrozen is a write or delete on an object in a frozen lineage.
	ErrFrozen ErrorKind = iota + 1
	// ErrNotDefined is a delete of a property the object does not have.
	ErrNotDefined
	// ErrUnknownLayout is an allocation with a layout the runtime was not
	// configured with.
	ErrUnknownLayout
	// ErrNotGeneric is a side-table operation on an object with its own
	// slot budget.
	ErrNotGeneric
)

func (k ErrorKind) String() string {
	switch k {
	case ErrFrozen:
		return "frozen"
	case ErrNotDefined:
		return "not defined"
	case ErrUnknownLayout:
		return "unknown layout"
	case ErrNotGeneric:
		return "not generic"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is returned by property operations.
type Error struct {
	Kind   ErrorKind
	Key    shape.Key
	Addr   value.Addr
	Layout string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ErrFrozen:
		if e.Key != "" {
			return fmt.Sprintf("can't modify frozen object %s: property %s", e.Addr, e.Key)
		}
		return fmt.Sprintf("can't modify frozen object %s", e.Addr)
	case ErrNotDefined:
		return fmt.Sprintf("property %s not defined on %s", e.Key, e.Addr)
	case ErrUnknownLayout:
		return fmt.Sprintf("unknown layout %q", e.Layout)
	case ErrNotGeneric:
		return fmt.Sprintf("object %s (%s) has no side-table storage", e.Addr, e.Layout)
	default:
		return e.Kind.String()
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
