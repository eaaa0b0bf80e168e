package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"shapeshift/internal/value"
)

// ParseValue reads a scenario literal: undef, nil, true, false, integers,
// floats, @name references and strings, optionally double-quoted.
func ParseValue(s string, resolve func(name string) (value.Addr, error)) (value.Value, error) {
	switch s {
	case "undef":
		return value.Undef(), nil
	case "nil":
		return value.Nil(), nil
	case "true":
		return value.Bool(true), nil
	case "false":
		return value.Bool(false), nil
	}
	if strings.HasPrefix(s, `"`) {
		u, err := strconv.Unquote(s)
		if err != nil {
			return value.Value{}, fmt.Errorf("bad string literal %s: %w", s, err)
		}
		return value.Str(u), nil
	}
	if name, ok := strings.CutPrefix(s, "@"); ok && name != "" {
		if resolve == nil {
			return value.Value{}, fmt.Errorf("reference %s outside a domain", s)
		}
		addr, err := resolve(name)
		if err != nil {
			return value.Value{}, err
		}
		return value.Ref(addr), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f), nil
	}
	return value.Str(s), nil
}
