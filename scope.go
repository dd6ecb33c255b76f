package cascade

import (
	"fmt"
	"strings"
)

// --- Scope paths ---

// ScopeFrame identifies one level of forEach nesting: item Index of the
// collection produced by Check.
type ScopeFrame struct {
	Check string `json:"check"`
	Index int    `json:"index"`
}

// ScopePath locates a check execution inside nested forEach fan-outs.
// The empty path is the root scope. A path [{list,2},{proc,0}] means
// "inside item 0 of proc, which itself ran inside item 2 of list".
type ScopePath []ScopeFrame

// RootScope is the empty scope shared by all non-fanned-out executions.
var RootScope = ScopePath{}

// Child returns a new path one level deeper than s.
func (s ScopePath) Child(check string, index int) ScopePath {
	out := make(ScopePath, len(s), len(s)+1)
	copy(out, s)
	return append(out, ScopeFrame{Check: check, Index: index})
}

// Parent returns the path with the last frame removed. The root scope
// returns itself.
func (s ScopePath) Parent() ScopePath {
	if len(s) == 0 {
		return s
	}
	return s[:len(s)-1]
}

// IsRoot reports whether s is the empty root scope.
func (s ScopePath) IsRoot() bool { return len(s) == 0 }

// Equal reports whether s and other contain identical frames.
func (s ScopePath) Equal(other ScopePath) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// IsStrictPrefixOf reports whether s is a proper ancestor of other:
// shorter than other and matching frame by frame. The root scope is a
// strict prefix of every non-root scope.
func (s ScopePath) IsStrictPrefixOf(other ScopePath) bool {
	if len(s) >= len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the path as "list[2]/proc[0]". The root scope renders
// as the empty string.
func (s ScopePath) String() string {
	if len(s) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range s {
		if i > 0 {
			b.WriteByte('/')
		}
		fmt.Fprintf(&b, "%s[%d]", f.Check, f.Index)
	}
	return b.String()
}
