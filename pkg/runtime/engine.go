package runtime

import (
	"context"
	"errors"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Result is the outcome of evaluating an expression for one context.
type Result struct {
	Index int
	Value float64
	Err   error
}

// Engine evaluates one expression against many contexts on a bounded pool
// of goroutines. Evaluation itself is pure, so the pool only bounds CPU use.
type Engine struct {
	eval    *expr.Evaluator
	workers int
	logger  *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers bounds the number of concurrent evaluations. n <= 0 uses GOMAXPROCS.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) { e.workers = n }
}

// WithLogger sets the logger used for batch summaries.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine around ev.
func NewEngine(ev *expr.Evaluator, opts ...EngineOption) *Engine {
	e := &Engine{eval: ev, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// Evaluator returns the evaluator the engine runs.
func (e *Engine) Evaluator() *expr.Evaluator {
	return e.eval
}

// Run evaluates node once per context and returns results in input order.
// A failing item records its error and does not stop the batch. When ctx is
// cancelled no further items start; the items that never ran carry ctx.Err().
func (e *Engine) Run(ctx context.Context, node expr.Node, contexts []types.TokenContext) []Result {
	start := time.Now()
	results := make([]Result, len(contexts))
	for i := range results {
		results[i].Index = i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	scheduled := len(contexts)
	for i, tc := range contexts {
		if gctx.Err() != nil {
			scheduled = i
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = e.eval.Evaluate(node, tc)
			return nil
		})
	}
	_ = g.Wait()

	for i := scheduled; i < len(contexts); i++ {
		results[i].Err = ctx.Err()
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.logger.Debug("Batch evaluated",
		zap.Stringer("expression", node),
		zap.Int("contexts", len(contexts)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	return results
}

// FirstError returns the first failed result's error, or nil.
func FirstError(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Cancelled reports whether r failed because the batch was cancelled.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded)
}
