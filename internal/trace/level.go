package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff    Level = iota
	LevelError        // record everything in the ring, print only on failure
	LevelPhase        // collector passes, registry degradation
	LevelDetail       // per-object storage transitions
	LevelDebug        // slot writes too
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

// finest is the finest scope each level passes through.
var finest = [...]Scope{
	LevelPhase:  ScopeRegistry,
	LevelDetail: ScopeObject,
	LevelDebug:  ScopeSlot,
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel converts a flag value to a Level. The empty string is off.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelOff, nil
	}
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

// ShouldEmit reports whether a stream at level l prints events of scope.
// LevelError prints nothing; its events only reach a ring.
func (l Level) ShouldEmit(scope Scope) bool {
	if int(l) >= len(finest) {
		return false
	}
	return scope <= finest[l]
}
