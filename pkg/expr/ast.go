package expr

import (
	"strings"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Node is the interface for all expression tree nodes. Nodes are immutable
// once built and may be evaluated any number of times, concurrently. A nil
// node, typed or not, is invalid; the evaluator reports it as a DecodeError.
type Node interface {
	nodeType() string

	// String renders the node as infix source. Parsing the result yields a
	// tree that evaluates identically; negative constants come back as a
	// negated positive constant.
	String() string
}

// Constant is a literal number.
type Constant struct {
	Value float64
}

func (n *Constant) nodeType() string { return "Constant" }

func (n *Constant) String() string { return types.FormatNumber(n.Value) }

// Variable is a reference to a name bound in the TokenContext.
type Variable struct {
	Name string
}

func (n *Variable) nodeType() string { return "Variable" }

func (n *Variable) String() string { return n.Name }

// BinaryOp combines the results of Left and Right (e.g., a + b, x / y).
type BinaryOp struct {
	Op    Op
	Left  Node
	Right Node
}

func (n *BinaryOp) nodeType() string { return "BinaryOp" }

func (n *BinaryOp) String() string {
	p := precedence(n)
	left, right := n.Left.String(), n.Right.String()
	if n.Op == OpPow {
		// Right associative; the exponent is parsed as a unary expression
		if precedence(n.Left) <= p {
			left = "(" + left + ")"
		}
		if precedence(n.Right) < precUnary {
			right = "(" + right + ")"
		}
	} else {
		if precedence(n.Left) < p {
			left = "(" + left + ")"
		}
		if precedence(n.Right) <= p {
			right = "(" + right + ")"
		}
	}
	return left + " " + n.Op.Symbol() + " " + right
}

// UnaryOp applies a prefix operator to Operand (e.g., -x).
type UnaryOp struct {
	Op      Op
	Operand Node
}

func (n *UnaryOp) nodeType() string { return "UnaryOp" }

func (n *UnaryOp) String() string {
	operand := n.Operand.String()
	if precedence(n.Operand) < precUnary {
		operand = "(" + operand + ")"
	}
	return n.Op.Symbol() + operand
}

// Call applies a named function to its arguments (e.g., max(a, b)).
type Call struct {
	Name string
	Args []Node
}

func (n *Call) nodeType() string { return "Call" }

func (n *Call) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Name + "(" + strings.Join(args, ", ") + ")"
}

// Binding precedence used when rendering, lowest first.
const (
	precAdd = iota + 1
	precMul
	precUnary
	precPow
	precAtom
)

func precedence(n Node) int {
	switch n := n.(type) {
	case *BinaryOp:
		switch n.Op {
		case OpAdd, OpSub:
			return precAdd
		case OpPow:
			return precPow
		default:
			return precMul
		}
	case *UnaryOp:
		return precUnary
	case *Constant:
		if n.Value < 0 || (n.Value == 0 && 1/n.Value < 0) {
			return precUnary
		}
		return precAtom
	default:
		return precAtom
	}
}
