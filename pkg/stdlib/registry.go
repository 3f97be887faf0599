// Package stdlib implements the built-in math functions callable from
// expressions.
package stdlib

import (
	"sort"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// StdlibFunc is a standard library function signature.
type StdlibFunc func(args []float64) (float64, error)

type entry struct {
	fn       StdlibFunc
	min, max int // accepted argument counts; max < 0 means variadic
}

// Registry holds the built-in functions and serves as an expr.FunctionRegistry.
// It must not be modified after it is shared with an evaluator.
type Registry struct {
	funcs map[string]entry
}

// NewRegistry creates a new stdlib registry with all built-in functions registered.
func NewRegistry() *Registry {
	r := &Registry{
		funcs: make(map[string]entry),
	}
	r.registerMath()
	r.registerAggregates()
	return r
}

// CallFunction implements expr.FunctionRegistry.
func (r *Registry) CallFunction(name string, args []float64) (float64, error) {
	e, ok := r.funcs[name]
	if !ok {
		return 0, types.NewUnknownFunctionError(name)
	}
	if len(args) < e.min || (e.max >= 0 && len(args) > e.max) {
		return 0, types.NewArityError(name, e.min, e.max, len(args))
	}
	return e.fn(args)
}

// HasFunction implements expr.FunctionSet.
func (r *Registry) HasFunction(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Register adds a function accepting between min and max arguments.
// A negative max accepts any number of arguments from min up.
func (r *Registry) Register(name string, min, max int, fn StdlibFunc) {
	r.funcs[name] = entry{fn: fn, min: min, max: max}
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
