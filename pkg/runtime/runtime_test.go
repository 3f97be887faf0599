package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScopeShadowing(t *testing.T) {
	root := NewScope(types.Bindings{"pi": 3.14, "rate": 0.1})
	child := root.NewChildScope(types.Bindings{"rate": 0.2, "x": 5})

	v, ok := child.Lookup("rate")
	require.True(t, ok)
	assert.Equal(t, 0.2, v)

	v, ok = child.Lookup("pi")
	require.True(t, ok)
	assert.Equal(t, 3.14, v)

	_, ok = root.Lookup("x")
	assert.False(t, ok, "parent must not see child bindings")

	assert.Equal(t, []string{"pi", "rate", "x"}, child.Names())
	assert.Equal(t, types.Bindings{"pi": 3.14, "rate": 0.2, "x": 5}, child.Flatten())
	assert.Same(t, root, child.Parent())
}

func TestScopeCopiesBindings(t *testing.T) {
	vars := types.Bindings{"x": 1}
	s := NewScope(vars)
	vars["x"] = 2

	v, _ := s.Lookup("x")
	assert.Equal(t, 1.0, v)
}

func TestScopeAsEvaluationContext(t *testing.T) {
	s := NewScope(types.Bindings{"e": 2}).NewChildScope(types.Bindings{"x": 3})
	got, err := expr.Evaluate(expr.MustParse("x * e"), s)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)

	_, err = expr.Evaluate(expr.MustParse("y"), s)
	assert.True(t, errors.Is(err, types.ErrUnboundVariable))
}

func TestEngineRunPreservesOrder(t *testing.T) {
	eng := NewEngine(expr.NewEvaluator(), WithWorkers(4), WithLogger(zaptest.NewLogger(t)))
	node := expr.MustParse("10 / x")

	contexts := []types.TokenContext{
		types.Bindings{"x": 1},
		types.Bindings{"x": 0},
		types.Bindings{"x": 4},
		types.Bindings{},
		types.Bindings{"x": -2},
	}
	results := eng.Run(context.Background(), node, contexts)
	require.Len(t, results, len(contexts))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, 10.0, results[0].Value)
	assert.True(t, errors.Is(results[1].Err, types.ErrDivisionByZero))
	assert.Equal(t, 2.5, results[2].Value)
	assert.True(t, errors.Is(results[3].Err, types.ErrUnboundVariable))
	assert.Equal(t, -5.0, results[4].Value)

	assert.True(t, errors.Is(FirstError(results), types.ErrDivisionByZero))
}

func TestEngineManyContexts(t *testing.T) {
	eng := NewEngine(expr.NewEvaluator(), WithWorkers(3))
	node := expr.MustParse("i * i")

	contexts := make([]types.TokenContext, 200)
	for i := range contexts {
		contexts[i] = types.Bindings{"i": float64(i)}
	}
	for i, r := range eng.Run(context.Background(), node, contexts) {
		require.NoError(t, r.Err)
		assert.Equal(t, float64(i*i), r.Value)
	}
}

func TestEngineCancelled(t *testing.T) {
	eng := NewEngine(expr.NewEvaluator(), WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	contexts := []types.TokenContext{types.Bindings{"x": 1}, types.Bindings{"x": 2}}
	results := eng.Run(ctx, expr.MustParse("x"), contexts)
	for _, r := range results {
		assert.True(t, r.Cancelled(), "result %d: %v", r.Index, r.Err)
	}
}

func TestEngineEmpty(t *testing.T) {
	eng := NewEngine(expr.NewEvaluator())
	assert.Empty(t, eng.Run(context.Background(), expr.MustParse("1"), nil))
	assert.NoError(t, FirstError(nil))
}
