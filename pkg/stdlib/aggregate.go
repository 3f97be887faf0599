package stdlib

import (
	"math"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// registerAggregates registers the variadic functions.
func (r *Registry) registerAggregates() {
	r.Register("min", 1, -1, mathMin)
	r.Register("max", 1, -1, mathMax)
	r.Register("sum", 1, -1, mathSum)
	r.Register("avg", 1, -1, mathAvg)
	r.Register("clamp", 3, 3, mathClamp)
}

func mathMin(args []float64) (float64, error) {
	m := args[0]
	for _, a := range args[1:] {
		m = math.Min(m, a)
	}
	return m, nil
}

func mathMax(args []float64) (float64, error) {
	m := args[0]
	for _, a := range args[1:] {
		m = math.Max(m, a)
	}
	return m, nil
}

func mathSum(args []float64) (float64, error) {
	var s float64
	for _, a := range args {
		s += a
	}
	return s, nil
}

func mathAvg(args []float64) (float64, error) {
	s, _ := mathSum(args)
	return s / float64(len(args)), nil
}

// mathClamp returns clamp(x, lo, hi).
func mathClamp(args []float64) (float64, error) {
	x, lo, hi := args[0], args[1], args[2]
	if lo > hi {
		return 0, types.NewDomainError("clamp", "lower bound exceeds upper bound")
	}
	return math.Min(math.Max(x, lo), hi), nil
}
