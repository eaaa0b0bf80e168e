package heap

import "fmt"

// Code identifies a heap fault.
type Code int

// Stable fault codes - do not change values.
const (
	ErrInvalidAddr  Code = 2001 // HEAP2001: address never allocated or stale after a move
	ErrUseAfterFree Code = 2002 // HEAP2002: access to a freed object
	ErrDoubleFree   Code = 2003 // HEAP2003: object freed twice
)

// String returns the code as "HEAP2001" format.
func (c Code) String() string {
	return fmt.Sprintf("HEAP%d", c)
}

// Error is the value the heap panics with on a fault.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("heap fault %s: %s", e.Code, e.Message)
}

// Recover converts a heap fault panic into an error. Other panics are
// re-raised. Use it as: defer heap.Recover(&err).
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if he, ok := r.(*Error); ok {
		*err = he
		return
	}
	panic(r)
}
