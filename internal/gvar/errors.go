package gvar

import (
	"errors"
	"fmt"
)

// ErrorKind classifies global variable failures.
type ErrorKind uint8

const (
	// ErrReadOnly is a write to a global whose setter rejects writes.
	ErrReadOnly ErrorKind = iota + 1
	// ErrIsolation is an access to a shared global from a domain other
	// than the one that declared it.
	ErrIsolation
	// ErrUndefined is an operation that needs a declared global.
	ErrUndefined
)

func (k ErrorKind) String() string {
	switch k {
	case ErrReadOnly:
		return "read-only"
	case ErrIsolation:
		return "isolation"
	case ErrUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error reports a failed global variable operation.
type Error struct {
	Kind   ErrorKind
	Name   string
	Domain string
	Owner  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ErrReadOnly:
		return fmt.Sprintf("%s is a read-only variable", e.Name)
	case ErrIsolation:
		return fmt.Sprintf("can not access global variable %s from %s (declared in %s)", e.Name, e.Domain, e.Owner)
	case ErrUndefined:
		return fmt.Sprintf("global variable %s is not defined", e.Name)
	default:
		return e.Kind.String()
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
