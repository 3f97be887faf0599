package loader

import (
	"context"

	"github.com/lemonberrylabs/symexpr/pkg/runtime"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Outcome is the result of one expression in one context.
type Outcome struct {
	Expression string
	Context    string // empty when the document declares no contexts
	Value      float64
	Err        error
}

// Run evaluates every expression of d against every context of d, or
// against the shared bindings alone when d declares no contexts. Outcomes
// are ordered by expression, then context, as declared.
func (d *Document) Run(ctx context.Context, eng *runtime.Engine) []Outcome {
	contexts := d.Contexts
	if len(contexts) == 0 {
		contexts = []*Context{nil}
	}
	scopes := make([]types.TokenContext, len(contexts))
	for i, c := range contexts {
		scopes[i] = d.Scope(c)
	}

	outcomes := make([]Outcome, 0, len(d.Expressions)*len(contexts))
	for _, e := range d.Expressions {
		for i, r := range eng.Run(ctx, e.Node, scopes) {
			o := Outcome{Expression: e.ID, Value: r.Value, Err: r.Err}
			if contexts[i] != nil {
				o.Context = contexts[i].Name
			}
			outcomes = append(outcomes, o)
		}
	}
	return outcomes
}
