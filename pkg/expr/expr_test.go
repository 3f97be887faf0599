package expr

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// testFuncs implements FunctionRegistry for testing.
type testFuncs map[string]func([]float64) (float64, error)

func (f testFuncs) CallFunction(name string, args []float64) (float64, error) {
	fn, ok := f[name]
	if !ok {
		return 0, types.NewUnknownFunctionError(name)
	}
	return fn(args)
}

func (f testFuncs) HasFunction(name string) bool {
	_, ok := f[name]
	return ok
}

func mustEval(t *testing.T, input string, ctx types.TokenContext) float64 {
	t.Helper()
	node, err := ParseExpression(input)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	got, err := Evaluate(node, ctx)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	return got
}

func TestScenarios(t *testing.T) {
	got, err := Evaluate(&Constant{Value: 5}, types.Bindings{})
	if err != nil || got != 5 {
		t.Errorf("Constant(5) = %v, %v; want 5", got, err)
	}

	sum := &BinaryOp{Op: OpAdd, Left: &Variable{Name: "x"}, Right: &Constant{Value: 3}}
	got, err = Evaluate(sum, types.Bindings{"x": 2})
	if err != nil || got != 5 {
		t.Errorf("x + 3 with x=2 = %v, %v; want 5", got, err)
	}

	div := &BinaryOp{Op: OpDiv, Left: &Constant{Value: 1}, Right: &Constant{Value: 0}}
	_, err = Evaluate(div, types.Bindings{})
	if !errors.Is(err, types.ErrDivisionByZero) {
		t.Errorf("1 / 0: got %v, want DivisionByZero", err)
	}

	_, err = Evaluate(&Variable{Name: "y"}, types.Bindings{"x": 1})
	if !errors.Is(err, types.ErrUnboundVariable) {
		t.Errorf("y with {x:1}: got %v, want UnboundVariable", err)
	}
	var ee *types.EvalError
	if !errors.As(err, &ee) || ee.Name != "y" {
		t.Errorf("expected EvalError naming y, got %#v", err)
	}
}

func TestConstantIgnoresContext(t *testing.T) {
	for _, c := range []float64{0, -1.5, 42, 1e300, math.SmallestNonzeroFloat64} {
		for _, ctx := range []types.TokenContext{nil, types.Bindings{}, types.Bindings{"x": 9}} {
			got, err := Evaluate(&Constant{Value: c}, ctx)
			if err != nil || got != c {
				t.Errorf("Constant(%v) = %v, %v", c, got, err)
			}
		}
	}
}

func TestArithmeticExpressions(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"1 + 2", 3},
		{"10 - 3", 7},
		{"4 * 5", 20},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
		{"2 ^ 10", 1024},
		{"2 ** 3", 8},
		{"2 + 3 * 4", 14},   // precedence
		{"(2 + 3) * 4", 20}, // parens
		{"10 - 4 - 3", 3},   // left associative
		{"2 ^ 3 ^ 2", 512},  // right associative
		{"-2 ^ 2", -4},      // unary binds looser than ^
		{"2 ^ -1", 0.5},
		{"--5", 5},
		{"+5", 5},
		{"-5", -5},
		{"1e3 + .5", 1000.5},
		{"2.5E-1", 0.25},
		{"8 / 2 / 2", 2},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := mustEval(t, tt.input, nil); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVariables(t *testing.T) {
	ctx := types.Bindings{"x": 2, "rate": 0.5, "order.total": 40}

	tests := []struct {
		input string
		want  float64
	}{
		{"x", 2},
		{"x * x + 1", 5},
		{"order.total * rate", 20},
		{"x ^ x ^ x", 16},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := mustEval(t, tt.input, ctx); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBothOperandsEvaluated(t *testing.T) {
	// Right operand is unbound; the error must be UnboundVariable even though
	// the left side alone is fine and the operator is a division.
	node := MustParse("1 / y")
	_, err := Evaluate(node, types.Bindings{"x": 0})
	if !errors.Is(err, types.ErrUnboundVariable) {
		t.Fatalf("got %v, want UnboundVariable", err)
	}

	// Left operand fails first when both sides are unbound.
	_, err = Evaluate(MustParse("a / b"), nil)
	var ee *types.EvalError
	if !errors.As(err, &ee) || ee.Name != "a" {
		t.Fatalf("got %v, want unbound a", err)
	}
}

func TestDivisionByZeroIffDenominatorZero(t *testing.T) {
	node := MustParse("n / d")
	for _, d := range []float64{0, math.Copysign(0, -1), 1, -3, 1e-300} {
		_, err := Evaluate(node, types.Bindings{"n": 7, "d": d})
		isZero := d == 0
		if errors.Is(err, types.ErrDivisionByZero) != isZero {
			t.Errorf("d=%v: err=%v, want DivisionByZero=%v", d, err, isZero)
		}
	}

	// Denominator that only evaluates to zero
	_, err := Evaluate(MustParse("1 / (x - x)"), types.Bindings{"x": 3})
	if !errors.Is(err, types.ErrDivisionByZero) {
		t.Errorf("got %v, want DivisionByZero", err)
	}
	_, err = Evaluate(MustParse("5 % 0"), nil)
	if !errors.Is(err, types.ErrDivisionByZero) {
		t.Errorf("modulo: got %v, want DivisionByZero", err)
	}
	_, err = Evaluate(MustParse("0 ^ -1"), nil)
	if !errors.Is(err, types.ErrDivisionByZero) {
		t.Errorf("pow: got %v, want DivisionByZero", err)
	}
}

func TestErrorPropagatesThroughAncestors(t *testing.T) {
	node := MustParse("1 + 2 * -(3 / (y - y))")
	_, err := Evaluate(node, types.Bindings{"y": 4})
	if !errors.Is(err, types.ErrDivisionByZero) {
		t.Fatalf("got %v, want DivisionByZero", err)
	}
}

func TestPowDomainError(t *testing.T) {
	_, err := Evaluate(MustParse("(-8) ^ 0.5"), nil)
	if !errors.Is(err, types.ErrDomain) {
		t.Fatalf("got %v, want DomainError", err)
	}
}

func TestContextNotMutated(t *testing.T) {
	ctx := types.Bindings{"x": 1, "y": 2}
	before := ctx.Clone()
	if _, err := Evaluate(MustParse("x / y + x * y"), ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, ctx); diff != "" {
		t.Errorf("context changed (-before +after):\n%s", diff)
	}
}

func TestCommutativity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	add := MustParse("a + b")
	addSwapped := MustParse("b + a")
	mul := MustParse("a * b")
	mulSwapped := MustParse("b * a")

	for i := 0; i < 500; i++ {
		ctx := types.Bindings{"a": r.NormFloat64() * 1e6, "b": r.NormFloat64() * 1e-3}
		for _, pair := range [][2]Node{{add, addSwapped}, {mul, mulSwapped}} {
			x, err := Evaluate(pair[0], ctx)
			if err != nil {
				t.Fatal(err)
			}
			y, err := Evaluate(pair[1], ctx)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(x-y) > 1e-9*math.Max(1, math.Abs(x)) {
				t.Fatalf("%s: %v != %v for %v", pair[0], x, y, ctx)
			}
		}
	}
}

func TestOperatorSets(t *testing.T) {
	basic := []Op{OpAdd, OpDiv, OpMul, OpNeg, OpSub}
	if diff := cmp.Diff(basic, BasicOperators().Names()); diff != "" {
		t.Errorf("BasicOperators mismatch (-want +got):\n%s", diff)
	}
	all := []Op{OpAdd, OpDiv, OpMod, OpMul, OpNeg, OpPos, OpPow, OpSub}
	if diff := cmp.Diff(all, DefaultOperators().Names()); diff != "" {
		t.Errorf("DefaultOperators mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(all, NewEvaluator().Operators().Names()); diff != "" {
		t.Errorf("NewEvaluator operators mismatch (-want +got):\n%s", diff)
	}
	if got, err := Evaluate(MustParse("+2 ^ 3 % 5"), nil); err != nil || got != 3 {
		t.Errorf("Evaluate with default set: got %v, %v; want 3", got, err)
	}
}

func TestConfigurableOperators(t *testing.T) {
	basic := NewEvaluator(WithOperators(BasicOperators()))

	if _, err := basic.Evaluate(MustParse("2 ^ 3"), nil); !errors.Is(err, types.ErrUnknownOperator) {
		t.Errorf("pow with basic set: got %v, want UnknownOperator", err)
	}
	if got, err := basic.Evaluate(MustParse("-(6 / 3)"), nil); err != nil || got != -2 {
		t.Errorf("basic set: got %v, %v", got, err)
	}

	if _, err := ParseExpression("2 % 3", AllowOperators(BasicOperators())); !errors.Is(err, types.ErrUnknownOperator) {
		t.Errorf("parse with basic set: got %v, want UnknownOperator", err)
	}

	custom := BasicOperators()
	custom.RegisterBinary(OpMod, func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, types.NewDivisionByZeroError()
		}
		return a - b*math.Floor(a/b), nil // floored modulo
	})
	ev := NewEvaluator(WithOperators(custom))
	got, err := ev.Evaluate(MustParse("-7 % 3"), nil)
	if err != nil || got != 2 {
		t.Errorf("floored modulo: got %v, %v; want 2", got, err)
	}
}

func TestCalls(t *testing.T) {
	funcs := testFuncs{
		"max": func(args []float64) (float64, error) {
			if len(args) != 2 {
				return 0, types.NewArityError("max", 2, 2, len(args))
			}
			return math.Max(args[0], args[1]), nil
		},
		"one": func([]float64) (float64, error) { return 1, nil },
	}
	ev := NewEvaluator(WithFunctions(funcs))

	got, err := ev.Evaluate(MustParse("max(x, 3) + one()"), types.Bindings{"x": 10})
	if err != nil || got != 11 {
		t.Errorf("got %v, %v; want 11", got, err)
	}

	_, err = ev.Evaluate(MustParse("max(1)"), nil)
	if !errors.Is(err, types.ErrArity) {
		t.Errorf("got %v, want ArityError", err)
	}

	_, err = ev.Evaluate(MustParse("nope(1)"), nil)
	if !errors.Is(err, types.ErrUnknownFunction) {
		t.Errorf("got %v, want UnknownFunction", err)
	}

	// Arguments are evaluated before the function is resolved
	_, err = Evaluate(MustParse("nope(z)"), nil)
	if !errors.Is(err, types.ErrUnboundVariable) {
		t.Errorf("got %v, want UnboundVariable", err)
	}

	_, err = ParseExpression("nope(1)", AllowFunctions(funcs))
	if !errors.Is(err, types.ErrUnknownFunction) {
		t.Errorf("parse: got %v, want UnknownFunction", err)
	}
}

func TestParseTree(t *testing.T) {
	got, err := ParseExpression("a + b * -max(c, 2)")
	if err != nil {
		t.Fatal(err)
	}
	want := &BinaryOp{
		Op:   OpAdd,
		Left: &Variable{Name: "a"},
		Right: &BinaryOp{
			Op:   OpMul,
			Left: &Variable{Name: "b"},
			Right: &UnaryOp{
				Op: OpNeg,
				Operand: &Call{Name: "max", Args: []Node{
					&Variable{Name: "c"},
					&Constant{Value: 2},
				}},
			},
		},
	}
	if diff := cmp.Diff(Node(want), got); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		pos   int
	}{
		{"", 0},
		{"1 +", 3},
		{"(1 + 2", 6},
		{"1 + 2)", 5},
		{"1 $ 2", 2},
		{"max(1,", 6},
		{"max(1 2)", 6},
		{"1.2.3", 3},
		{"* 3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseExpression(tt.input)
			var ee *types.EvalError
			if !errors.As(err, &ee) || !ee.HasTag(types.TagSyntaxError) {
				t.Fatalf("got %v, want SyntaxError", err)
			}
			if ee.Pos != tt.pos {
				t.Errorf("position = %d, want %d (%v)", ee.Pos, tt.pos, err)
			}
		})
	}
}

func TestParseTooLong(t *testing.T) {
	long := make([]byte, MaxExpressionLength+1)
	for i := range long {
		long[i] = '1'
	}
	_, err := ParseExpression(string(long))
	if !errors.Is(err, types.ErrResourceLimit) {
		t.Fatalf("got %v, want ResourceLimitError", err)
	}
}

func TestParseCanonicalLength(t *testing.T) {
	// The canonical form spaces out every separator, so a compact source can
	// render longer than it was written.
	compact := "f(" + strings.Repeat("a,", 1499) + "a)"
	if len(compact) > MaxExpressionLength {
		t.Fatalf("test source is %d characters, want at most %d", len(compact), MaxExpressionLength)
	}
	if _, err := ParseExpression(compact); !errors.Is(err, types.ErrResourceLimit) {
		t.Fatalf("got %v, want ResourceLimitError", err)
	}

	for _, src := range []string{
		"f(" + strings.Repeat("a,", 1000) + "a)",
		"a" + strings.Repeat("+a", 900),
	} {
		node, err := ParseExpression(src)
		if err != nil {
			t.Fatal(err)
		}
		again, err := ParseExpression(node.String())
		if err != nil {
			t.Fatalf("canonical form does not parse: %v", err)
		}
		if again.String() != node.String() {
			t.Fatal("canonical form is not stable")
		}
	}
}

func TestParseTooDeep(t *testing.T) {
	_, err := ParseExpression(strings.Repeat("-", DefaultMaxDepth) + "x")
	if !errors.Is(err, types.ErrResourceLimit) {
		t.Fatalf("got %v, want ResourceLimitError", err)
	}

	node, err := ParseExpression(strings.Repeat("-", DefaultMaxDepth-1) + "x")
	if err != nil {
		t.Fatal(err)
	}
	if got := Depth(node); got != DefaultMaxDepth {
		t.Fatalf("Depth = %d, want %d", got, DefaultMaxDepth)
	}
	if _, err := Evaluate(node, types.Bindings{"x": 2}); err != nil {
		t.Fatalf("accepted expression does not evaluate: %v", err)
	}
	data, err := MarshalNode(node)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalNode(data); err != nil {
		t.Fatalf("accepted expression does not decode: %v", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	inputs := []string{
		"1 + 2 * 3",
		"(1 + 2) * 3",
		"a - (b - c)",
		"a - b - c",
		"a / (b * c)",
		"(a ^ b) ^ c",
		"a ^ b ^ c",
		"-a ^ 2",
		"(-a) ^ 2",
		"2 ^ -x",
		"-(x + y)",
		"max(a + 1, -b, 3 % c)",
		"order.total * 1.5e-7",
	}
	ctx := types.Bindings{"a": 1.5, "b": 2, "c": 3, "x": 0.5, "y": 4, "order.total": 12}
	ev := NewEvaluator(WithFunctions(testFuncs{
		"max": func(args []float64) (float64, error) {
			m := args[0]
			for _, a := range args[1:] {
				m = math.Max(m, a)
			}
			return m, nil
		},
	}))

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			first := MustParse(in)
			second, err := ParseExpression(first.String())
			if err != nil {
				t.Fatalf("re-parse %q: %v", first.String(), err)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("round trip of %q changed the tree:\n%s", first.String(), diff)
			}
			v1, err1 := ev.Evaluate(first, ctx)
			v2, err2 := ev.Evaluate(second, ctx)
			if v1 != v2 || (err1 == nil) != (err2 == nil) {
				t.Errorf("values differ: %v/%v vs %v/%v", v1, err1, v2, err2)
			}
		})
	}
}

func TestStringNegativeConstant(t *testing.T) {
	node := &BinaryOp{Op: OpPow, Left: &Constant{Value: -2}, Right: &Constant{Value: 2}}
	if got := node.String(); got != "(-2) ^ 2" {
		t.Errorf("got %q", got)
	}
	if v := mustEval(t, node.String(), nil); v != 4 {
		t.Errorf("got %v, want 4", v)
	}
}

func TestTreeHelpers(t *testing.T) {
	node := MustParse("x * y + max(x, z) - 1")
	if diff := cmp.Diff([]string{"x", "y", "z"}, Variables(node)); diff != "" {
		t.Errorf("Variables: %s", diff)
	}
	if diff := cmp.Diff([]string{"max"}, Functions(node)); diff != "" {
		t.Errorf("Functions: %s", diff)
	}
	if got := Depth(node); got != 4 {
		t.Errorf("Depth = %d, want 4", got)
	}
	if got := Size(node); got != 9 {
		t.Errorf("Size = %d, want 9", got)
	}
}

func TestMaxDepth(t *testing.T) {
	var node Node = &Variable{Name: "x"}
	for i := 0; i < 50; i++ {
		node = &UnaryOp{Op: OpNeg, Operand: node}
	}

	shallow := NewEvaluator(WithMaxDepth(10))
	if _, err := shallow.Evaluate(node, types.Bindings{"x": 1}); !errors.Is(err, types.ErrResourceLimit) {
		t.Fatalf("got %v, want ResourceLimitError", err)
	}
	got, err := Evaluate(node, types.Bindings{"x": 1})
	if err != nil || got != 1 {
		t.Fatalf("got %v, %v; want 1", got, err)
	}
}

func TestNilNode(t *testing.T) {
	trees := map[string]Node{
		"untyped child":   &BinaryOp{Op: OpAdd, Left: &Constant{Value: 1}},
		"nil constant":    &BinaryOp{Op: OpAdd, Left: &Constant{Value: 1}, Right: (*Constant)(nil)},
		"nil variable":    &UnaryOp{Op: OpNeg, Operand: (*Variable)(nil)},
		"nil binary root": (*BinaryOp)(nil),
		"nil call":        &UnaryOp{Op: OpNeg, Operand: (*Call)(nil)},
	}
	for name, node := range trees {
		t.Run(name, func(t *testing.T) {
			_, err := Evaluate(node, nil)
			if !errors.Is(err, types.ErrDecode) {
				t.Fatalf("got %v, want DecodeError", err)
			}
		})
	}
}

func TestCodec(t *testing.T) {
	node := MustParse("-(x + 3) * max(y, 0.5) ^ 2")
	data, err := MarshalNode(node)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalNode(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(node, back); diff != "" {
		t.Errorf("codec changed the tree:\n%s", diff)
	}

	got, err := UnmarshalNode([]byte(`{"op":"add","left":{"var":"x"},"right":{"const":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, err := Evaluate(got, types.Bindings{"x": 2}); err != nil || v != 5 {
		t.Errorf("got %v, %v; want 5", v, err)
	}

	// const:0 must survive omitempty
	zero, err := UnmarshalNode([]byte(`{"const":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := zero.(*Constant); !ok || c.Value != 0 {
		t.Errorf("got %#v", zero)
	}

	for _, bad := range []string{`{}`, `{"op":"add","left":{"var":"x"}}`, `[1]`, `{"op":"neg","operand":{}}`} {
		if _, err := UnmarshalNode([]byte(bad)); !errors.Is(err, types.ErrDecode) {
			t.Errorf("%s: got %v, want DecodeError", bad, err)
		}
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	node := MustParse("a * b + a / b - c")
	shared := types.Bindings{"a": 6, "b": 3, "c": 1}
	want := 6.0*3 + 6.0/3 - 1

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := Evaluate(node, shared)
				if err != nil {
					errs <- err
					return
				}
				if got != want {
					errs <- errors.New("wrong result under concurrency")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
