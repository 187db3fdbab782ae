package rollup

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// BandSet is the validated band registry of a single indicator.
type BandSet struct {
	indicatorID string
	weights     map[string]float64
	labels      []string // in SortOrder, then label
}

// NewBandSet validates defs for indicatorID. Labels must be non-empty and
// unique, and weights finite reals in [0,1]; anything else is ErrInvalidBand.
func NewBandSet(indicatorID string, defs []model.BandDefinition) (*BandSet, error) {
	sorted := make([]model.BandDefinition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SortOrder != sorted[j].SortOrder {
			return sorted[i].SortOrder < sorted[j].SortOrder
		}
		return sorted[i].Label < sorted[j].Label
	})

	bs := &BandSet{indicatorID: indicatorID, weights: make(map[string]float64, len(defs))}
	for _, d := range sorted {
		if d.IndicatorID != indicatorID {
			return nil, fmt.Errorf("%w: band %q belongs to indicator %q", model.ErrInvalidBand, d.Label, d.IndicatorID)
		}
		label := strings.TrimSpace(d.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: empty label", model.ErrInvalidBand)
		}
		if _, dup := bs.weights[label]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", model.ErrInvalidBand, label)
		}
		if math.IsNaN(d.Weight) || d.Weight < 0 || d.Weight > 1 {
			return nil, fmt.Errorf("%w: label %q has weight %v outside [0,1]", model.ErrInvalidBand, label, d.Weight)
		}
		bs.weights[label] = d.Weight
		bs.labels = append(bs.labels, label)
	}
	return bs, nil
}

// Weight returns the numeric weight of label.
func (b *BandSet) Weight(label string) (float64, bool) {
	w, ok := b.weights[strings.TrimSpace(label)]
	return w, ok
}

// Labels returns the band labels in display order.
func (b *BandSet) Labels() []string { return b.labels }

// IndicatorInput is everything needed to evaluate one indicator for a period.
type IndicatorInput struct {
	IndicatorID string
	Period      string
	Bands       *BandSet
	Links       []model.IndicatorLink
	Scores      []model.RawScore
}

// CustomerResult is the output of the customer aggregation stage.
type CustomerResult struct {
	Averages   []model.CustomerAverage // sorted by customer id; customers without scores are absent
	Histogram  []model.BandCount       // every defined band, in display order
	Rejections []model.Rejection
}

// CustomerAverages converts raw band selections into one average weight per
// customer. Only scores for linked (customer, feature) pairs of this indicator
// and period count. Invalid scores are rejected individually; they never fail
// the batch. When two scores share a key the latest submission wins.
func CustomerAverages(in IndicatorInput) CustomerResult {
	linked := make(map[string]map[string]bool)
	for _, l := range in.Links {
		if l.IndicatorID != in.IndicatorID || l.Period != in.Period {
			continue
		}
		if linked[l.CustomerID] == nil {
			linked[l.CustomerID] = make(map[string]bool)
		}
		linked[l.CustomerID][l.FeatureID] = true
	}

	scores := make([]model.RawScore, len(in.Scores))
	copy(scores, in.Scores)
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if a.FeatureID != b.FeatureID {
			return a.FeatureID < b.FeatureID
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})

	var res CustomerResult
	type key struct{ customer, feature string }
	accepted := make(map[key]model.RawScore)
	var keys []key
	for _, s := range scores {
		reject := func(reason model.RejectionReason) {
			res.Rejections = append(res.Rejections, model.Rejection{
				IndicatorID: s.IndicatorID,
				CustomerID:  s.CustomerID,
				FeatureID:   s.FeatureID,
				BandLabel:   s.BandLabel,
				Reason:      reason,
			})
		}
		switch {
		case s.CustomerID == "" || s.FeatureID == "":
			reject(model.RejectMalformed)
			continue
		case s.IndicatorID != in.IndicatorID || s.Period != in.Period:
			reject(model.RejectWrongContext)
			continue
		case !linked[s.CustomerID][s.FeatureID]:
			reject(model.RejectUnlinked)
			continue
		}
		if in.Bands == nil {
			reject(model.RejectUnknownBand)
			continue
		}
		if _, ok := in.Bands.Weight(s.BandLabel); !ok {
			reject(model.RejectUnknownBand)
			continue
		}
		k := key{s.CustomerID, s.FeatureID}
		if _, seen := accepted[k]; !seen {
			keys = append(keys, k)
		}
		accepted[k] = s
	}

	counts := make(map[string]int)
	var (
		customer string
		total    float64
		n        int
	)
	flush := func() {
		if n > 0 {
			res.Averages = append(res.Averages, model.CustomerAverage{
				CustomerID:   customer,
				Average:      total / float64(n),
				FeatureCount: n,
			})
		}
	}
	// keys are already grouped by customer because scores were sorted.
	for _, k := range keys {
		if k.customer != customer {
			flush()
			customer, total, n = k.customer, 0, 0
		}
		s := accepted[k]
		w, _ := in.Bands.Weight(s.BandLabel)
		total += w
		n++
		counts[strings.TrimSpace(s.BandLabel)]++
	}
	flush()

	if in.Bands != nil {
		for _, label := range in.Bands.Labels() {
			res.Histogram = append(res.Histogram, model.BandCount{Label: label, Count: counts[label]})
		}
	}
	return res
}

// IndicatorResult is an indicator's percentage and its explanation.
type IndicatorResult struct {
	Value       *float64
	Explanation model.Explanation
}

// EvaluateIndicator computes the indicator percentage as the mean of customer
// averages times 100, clamped to [0,100]. Customers are weighted equally no
// matter how many features they scored. With no contributing customer the
// value is nil.
func EvaluateIndicator(in IndicatorInput) IndicatorResult {
	cr := CustomerAverages(in)

	exp := model.Explanation{
		ContributorCount: len(cr.Averages),
		BandHistogram:    cr.Histogram,
		CustomerAverages: cr.Averages,
		Rejections:       cr.Rejections,
	}
	if len(cr.Averages) == 0 {
		return IndicatorResult{Explanation: exp}
	}

	var total float64
	for _, ca := range cr.Averages {
		total += ca.Average
		exp.Breakdown = append(exp.Breakdown, model.Contribution{
			Source: ca.CustomerID,
			Value:  ptr(ca.Average * 100),
		})
	}
	raw := total / float64(len(cr.Averages)) * 100
	exp.RawValue = ptr(raw)
	return IndicatorResult{Value: ClampPercent(&raw), Explanation: exp}
}
