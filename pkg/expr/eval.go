package expr

import (
	"fmt"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// DefaultMaxDepth bounds the nesting of trees the evaluator accepts.
const DefaultMaxDepth = 1000

// FunctionRegistry resolves the functions referenced by Call nodes.
type FunctionRegistry interface {
	// CallFunction calls a named function with already evaluated arguments.
	CallFunction(name string, args []float64) (float64, error)
}

// Evaluator reduces expression trees to numbers. An Evaluator holds no
// per-evaluation state and is safe for concurrent use.
type Evaluator struct {
	ops      *OperatorSet
	funcs    FunctionRegistry
	maxDepth int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithOperators sets the operators the evaluator applies. Nodes using an
// operator outside the set fail with an UnknownOperator error.
func WithOperators(ops *OperatorSet) Option {
	return func(e *Evaluator) { e.ops = ops }
}

// WithFunctions sets the registry used for Call nodes.
func WithFunctions(funcs FunctionRegistry) Option {
	return func(e *Evaluator) { e.funcs = funcs }
}

// WithMaxDepth sets the maximum tree depth; n <= 0 restores the default.
func WithMaxDepth(n int) Option {
	return func(e *Evaluator) {
		if n <= 0 {
			n = DefaultMaxDepth
		}
		e.maxDepth = n
	}
}

// NewEvaluator creates an evaluator using DefaultOperators, no functions and
// DefaultMaxDepth unless overridden by opts.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{ops: DefaultOperators(), maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Operators returns the evaluator's operator set.
func (e *Evaluator) Operators() *OperatorSet {
	return e.ops
}

var defaultEvaluator = NewEvaluator()

// Evaluate evaluates node against ctx with the default evaluator.
func Evaluate(node Node, ctx types.TokenContext) (float64, error) {
	return defaultEvaluator.Evaluate(node, ctx)
}

// Evaluate evaluates node against ctx. A nil ctx binds no names. Errors
// from any node are returned unchanged; no partial result is produced.
func (e *Evaluator) Evaluate(node Node, ctx types.TokenContext) (float64, error) {
	if ctx == nil {
		ctx = types.Bindings(nil)
	}
	return e.eval(node, ctx, 1)
}

func (e *Evaluator) eval(node Node, ctx types.TokenContext, depth int) (float64, error) {
	if depth > e.maxDepth {
		return 0, types.NewResourceLimitError(
			fmt.Sprintf("expression nesting exceeds maximum depth of %d", e.maxDepth))
	}

	if isNilNode(node) {
		return 0, types.NewDecodeError("nil expression node")
	}

	switch n := node.(type) {
	case *Constant:
		return n.Value, nil
	case *Variable:
		v, ok := ctx.Lookup(n.Name)
		if !ok {
			return 0, types.NewUnboundVariableError(n.Name)
		}
		return v, nil
	case *BinaryOp:
		return e.evalBinary(n, ctx, depth)
	case *UnaryOp:
		return e.evalUnary(n, ctx, depth)
	case *Call:
		return e.evalCall(n, ctx, depth)
	default:
		return 0, fmt.Errorf("unsupported expression node type: %T", node)
	}
}

// isNilNode reports whether node is nil or a nil pointer of a node type.
func isNilNode(node Node) bool {
	switch n := node.(type) {
	case nil:
		return true
	case *Constant:
		return n == nil
	case *Variable:
		return n == nil
	case *BinaryOp:
		return n == nil
	case *UnaryOp:
		return n == nil
	case *Call:
		return n == nil
	}
	return false
}

// evalBinary evaluates both operands left to right before combining them,
// so an unbound name on the right surfaces even when dividing by zero.
func (e *Evaluator) evalBinary(n *BinaryOp, ctx types.TokenContext, depth int) (float64, error) {
	fn, ok := e.ops.Binary(n.Op)
	if !ok {
		return 0, types.NewUnknownOperatorError(string(n.Op))
	}

	left, err := e.eval(n.Left, ctx, depth+1)
	if err != nil {
		return 0, err
	}
	right, err := e.eval(n.Right, ctx, depth+1)
	if err != nil {
		return 0, err
	}
	return fn(left, right)
}

func (e *Evaluator) evalUnary(n *UnaryOp, ctx types.TokenContext, depth int) (float64, error) {
	fn, ok := e.ops.Unary(n.Op)
	if !ok {
		return 0, types.NewUnknownOperatorError(string(n.Op))
	}

	operand, err := e.eval(n.Operand, ctx, depth+1)
	if err != nil {
		return 0, err
	}
	return fn(operand)
}

func (e *Evaluator) evalCall(n *Call, ctx types.TokenContext, depth int) (float64, error) {
	args := make([]float64, len(n.Args))
	for i, arg := range n.Args {
		v, err := e.eval(arg, ctx, depth+1)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	if e.funcs == nil {
		return 0, types.NewUnknownFunctionError(n.Name)
	}
	return e.funcs.CallFunction(n.Name, args)
}
