// Package runtime runs expressions against many binding contexts: layered
// scopes that resolve names child first, and a bounded worker pool that
// evaluates one expression for a batch of contexts.
package runtime

import (
	"sort"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Scope is a TokenContext with parent scope chaining. Names are looked up
// starting from the current scope and walking up the parent chain, so a
// child binding shadows a parent binding of the same name.
//
// A Scope is immutable once built; NewScope and NewChildScope copy the
// bindings they are given.
type Scope struct {
	parent *Scope
	vars   types.Bindings
}

// NewScope creates a new root scope holding a copy of vars.
func NewScope(vars types.Bindings) *Scope {
	return &Scope{vars: vars.Clone()}
}

// NewChildScope creates a child scope holding a copy of vars that inherits
// every name from s.
func (s *Scope) NewChildScope(vars types.Bindings) *Scope {
	return &Scope{parent: s, vars: vars.Clone()}
}

// Lookup implements types.TokenContext.
func (s *Scope) Lookup(name string) (float64, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return 0, false
}

// Parent returns the enclosing scope, or nil for a root scope.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Names returns every name visible from s, sorted.
func (s *Scope) Names() []string {
	seen := make(map[string]struct{})
	for cur := s; cur != nil; cur = cur.parent {
		for k := range cur.vars {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Flatten returns the effective bindings visible from s.
func (s *Scope) Flatten() types.Bindings {
	out := make(types.Bindings)
	for _, name := range s.Names() {
		v, _ := s.Lookup(name)
		out[name] = v
	}
	return out
}
