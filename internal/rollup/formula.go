// Package rollup holds the pure arithmetic of the RAG cascade: band scores to
// customer averages, customer averages to indicator percentages, child values
// to parent values, and percentages to statuses. Nothing here touches storage
// or shared state, so every function is safe for concurrent use.
package rollup

import (
	"fmt"
	"math"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// Evaluate reduces children to a single value using formula. Children with a
// nil value are excluded from the arithmetic, never treated as zero. The result
// is nil when no child has a value (or, for WEIGHTED_AVG, when the weights of
// the valued children sum to zero).
//
// weights is consulted only for WEIGHTED_AVG; a child without an entry has
// weight 1. A negative or non-finite weight is a configuration error.
func Evaluate(formula model.Formula, children []model.ChildValue, weights map[string]float64) (*float64, error) {
	values := make([]float64, 0, len(children))
	for _, c := range children {
		if c.Value == nil || math.IsNaN(*c.Value) {
			continue
		}
		values = append(values, *c.Value)
	}

	switch formula {
	case model.FormulaAvg:
		if len(values) == 0 {
			return nil, nil
		}
		return ptr(sum(values) / float64(len(values))), nil

	case model.FormulaSum:
		if len(values) == 0 {
			return nil, nil
		}
		return ptr(sum(values)), nil

	case model.FormulaMin:
		if len(values) == 0 {
			return nil, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return ptr(m), nil

	case model.FormulaMax:
		if len(values) == 0 {
			return nil, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return ptr(m), nil

	case model.FormulaWeightedAvg:
		var num, den float64
		for _, c := range children {
			w := WeightFor(weights, c.NodeID)
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, fmt.Errorf("%w: child %q has weight %v", model.ErrInvalidWeight, c.NodeID, w)
			}
			if c.Value == nil || math.IsNaN(*c.Value) {
				continue
			}
			num += *c.Value * w
			den += w
		}
		if den == 0 {
			return nil, nil
		}
		return ptr(num / den), nil

	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedFormula, formula)
	}
}

// WeightFor returns the configured weight of a child, defaulting to 1.
func WeightFor(weights map[string]float64, childID string) float64 {
	if w, ok := weights[childID]; ok {
		return w
	}
	return 1
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

func ptr[T any](v T) *T { return &v }
