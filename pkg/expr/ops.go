package expr

import (
	"math"
	"sort"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Op names an operator. Op names are what appears in serialized trees; the
// source symbol for each is fixed by the grammar (see Symbol).
type Op string

const (
	OpAdd Op = "add"
	OpSub Op = "sub"
	OpMul Op = "mul"
	OpDiv Op = "div"
	OpMod Op = "mod"
	OpPow Op = "pow"

	OpNeg Op = "neg"
	OpPos Op = "pos"
)

// Symbol returns the infix source symbol for op.
func (op Op) Symbol() string {
	switch op {
	case OpAdd, OpPos:
		return "+"
	case OpSub, OpNeg:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	case OpPow:
		return "^"
	default:
		return string(op)
	}
}

// BinaryFunc combines two already evaluated operands.
type BinaryFunc func(a, b float64) (float64, error)

// UnaryFunc transforms one already evaluated operand.
type UnaryFunc func(a float64) (float64, error)

// OperatorSet is the set of operators an evaluator (and optionally the
// parser) accepts, with the function implementing each. An OperatorSet must
// not be modified once it is shared with an Evaluator.
type OperatorSet struct {
	binary map[Op]BinaryFunc
	unary  map[Op]UnaryFunc
}

// NewOperatorSet creates an empty operator set.
func NewOperatorSet() *OperatorSet {
	return &OperatorSet{
		binary: make(map[Op]BinaryFunc),
		unary:  make(map[Op]UnaryFunc),
	}
}

// BasicOperators returns a set holding add, sub, mul, div and neg.
func BasicOperators() *OperatorSet {
	s := NewOperatorSet()
	s.RegisterBinary(OpAdd, opAdd)
	s.RegisterBinary(OpSub, opSub)
	s.RegisterBinary(OpMul, opMul)
	s.RegisterBinary(OpDiv, opDiv)
	s.RegisterUnary(OpNeg, opNeg)
	return s
}

// DefaultOperators returns the basic set plus mod, pow and unary plus.
func DefaultOperators() *OperatorSet {
	s := BasicOperators()
	s.RegisterBinary(OpMod, opMod)
	s.RegisterBinary(OpPow, opPow)
	s.RegisterUnary(OpPos, opPos)
	return s
}

// RegisterBinary adds or replaces a binary operator.
func (s *OperatorSet) RegisterBinary(op Op, fn BinaryFunc) {
	s.binary[op] = fn
}

// RegisterUnary adds or replaces a unary operator.
func (s *OperatorSet) RegisterUnary(op Op, fn UnaryFunc) {
	s.unary[op] = fn
}

// Binary returns the implementation of a binary operator.
func (s *OperatorSet) Binary(op Op) (BinaryFunc, bool) {
	fn, ok := s.binary[op]
	return fn, ok
}

// Unary returns the implementation of a unary operator.
func (s *OperatorSet) Unary(op Op) (UnaryFunc, bool) {
	fn, ok := s.unary[op]
	return fn, ok
}

// Names lists every operator in the set, sorted.
func (s *OperatorSet) Names() []Op {
	names := make([]Op, 0, len(s.binary)+len(s.unary))
	for op := range s.binary {
		names = append(names, op)
	}
	for op := range s.unary {
		names = append(names, op)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func opAdd(a, b float64) (float64, error) { return a + b, nil }
func opSub(a, b float64) (float64, error) { return a - b, nil }
func opMul(a, b float64) (float64, error) { return a * b, nil }

func opDiv(a, b float64) (float64, error) {
	if b == 0 {
		return 0, types.NewDivisionByZeroError()
	}
	return a / b, nil
}

func opMod(a, b float64) (float64, error) {
	if b == 0 {
		return 0, types.NewDivisionByZeroError()
	}
	return math.Mod(a, b), nil
}

func opPow(a, b float64) (float64, error) {
	if a == 0 && b < 0 {
		return 0, types.NewDivisionByZeroError()
	}
	r := math.Pow(a, b)
	if math.IsNaN(r) && !math.IsNaN(a) && !math.IsNaN(b) {
		return 0, types.NewDomainError("pow", "negative base with non-integer exponent")
	}
	return r, nil
}

func opNeg(a float64) (float64, error) { return -a, nil }
func opPos(a float64) (float64, error) { return a, nil }
