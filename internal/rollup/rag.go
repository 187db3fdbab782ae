package rollup

import (
	"math"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// RAG boundaries. They are fixed: changing them requires a new
// model.ThresholdVersion so existing snapshots stay explainable.
const (
	redUpper   = 50.0
	amberUpper = 75.0

	// clampTolerance absorbs floating-point drift at the ends of [0,100].
	clampTolerance = 1e-9
)

// Classify maps a percentage to a status:
//
//	nil or exactly 0 -> NotSet
//	(0, 50]          -> Red
//	(50, 75]         -> Amber
//	(75, 100]        -> Green
//
// NaN, infinities and values outside [0,100] yield NotSet. Values within
// clampTolerance of the range ends are clamped first.
func Classify(pct *float64) model.Status {
	if pct == nil {
		return model.StatusNotSet
	}
	v := *pct
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return model.StatusNotSet
	}
	if v < 0 && v >= -clampTolerance {
		v = 0
	}
	if v > 100 && v <= 100+clampTolerance {
		v = 100
	}
	switch {
	case v < 0 || v > 100:
		return model.StatusNotSet
	case v == 0:
		return model.StatusNotSet
	case v <= redUpper:
		return model.StatusRed
	case v <= amberUpper:
		return model.StatusAmber
	default:
		return model.StatusGreen
	}
}

// ClampPercent bounds v to [0,100]. NaN and nil stay nil.
func ClampPercent(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	return ptr(math.Min(100, math.Max(0, *v)))
}
