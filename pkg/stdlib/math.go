package stdlib

import (
	"math"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// registerMath registers the single and two argument math functions.
func (r *Registry) registerMath() {
	r.Register("abs", 1, 1, monadic(math.Abs))
	r.Register("ceil", 1, 1, monadic(math.Ceil))
	r.Register("floor", 1, 1, monadic(math.Floor))
	r.Register("round", 1, 1, monadic(math.Round))
	r.Register("trunc", 1, 1, monadic(math.Trunc))
	r.Register("exp", 1, 1, monadic(math.Exp))
	r.Register("sin", 1, 1, monadic(math.Sin))
	r.Register("cos", 1, 1, monadic(math.Cos))
	r.Register("tan", 1, 1, monadic(math.Tan))
	r.Register("sqrt", 1, 1, mathSqrt)
	r.Register("ln", 1, 1, logarithm("ln", math.Log))
	r.Register("log10", 1, 1, logarithm("log10", math.Log10))
	r.Register("log2", 1, 1, logarithm("log2", math.Log2))
	r.Register("pow", 2, 2, mathPow)
	r.Register("hypot", 2, 2, func(args []float64) (float64, error) {
		return math.Hypot(args[0], args[1]), nil
	})
}

func monadic(fn func(float64) float64) StdlibFunc {
	return func(args []float64) (float64, error) {
		return fn(args[0]), nil
	}
}

func mathSqrt(args []float64) (float64, error) {
	if args[0] < 0 {
		return 0, types.NewDomainError("sqrt", "argument must not be negative")
	}
	return math.Sqrt(args[0]), nil
}

func logarithm(name string, fn func(float64) float64) StdlibFunc {
	return func(args []float64) (float64, error) {
		if args[0] <= 0 {
			return 0, types.NewDomainError(name, "argument must be positive")
		}
		return fn(args[0]), nil
	}
}

func mathPow(args []float64) (float64, error) {
	base, exp := args[0], args[1]
	if base == 0 && exp < 0 {
		return 0, types.NewDivisionByZeroError()
	}
	if base < 0 && exp != math.Trunc(exp) {
		return 0, types.NewDomainError("pow", "negative base with non-integer exponent")
	}
	return math.Pow(base, exp), nil
}
