package cascade

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/rollup"
)

// evaluateNode computes one node. Configuration errors and panics are recorded
// on the returned snapshot and never returned; the only error is a Reader
// failure, which is fatal to the run.
func (o *Orchestrator) evaluateNode(ctx context.Context, n model.Node, period string, cfg model.FormulaConfig, children func(model.Node) []model.ChildValue) (nv model.NodeValue, err error) {
	nv = model.NodeValue{
		NodeID:           n.ID,
		Kind:             n.Kind,
		Period:           period,
		Status:           model.StatusNotSet,
		FormulaVersion:   cfg.Version,
		ThresholdVersion: model.ThresholdVersion,
	}
	ctx, span := o.tracer.Start(ctx, "cascade.evaluate", trace.WithAttributes(
		attribute.String("cascade.node_id", n.ID),
		attribute.String("cascade.kind", string(n.Kind)),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("cascade: node evaluation panicked", "node_id", n.ID, "panic", r)
			nv = annotate(nv, fmt.Errorf("panic: %v", r))
			err = nil
		}
		if nv.Error != "" {
			span.SetAttributes(attribute.String("cascade.node_error", nv.Error))
			o.metrics.nodeError(ctx, n.Kind)
		}
	}()

	switch {
	case !n.Kind.Valid():
		return annotate(nv, fmt.Errorf("%w: unknown kind %q", model.ErrKindMismatch, n.Kind)), nil
	case n.Kind.IsLeaf() && len(n.Children) > 0:
		return annotate(nv, fmt.Errorf("%w: indicator %q has %d children", model.ErrKindMismatch, n.ID, len(n.Children))), nil
	case n.Kind.IsLeaf():
		return o.evaluateIndicator(ctx, nv, cfg)
	default:
		return evaluateInternal(nv, cfg, children(n)), nil
	}
}

func (o *Orchestrator) evaluateIndicator(ctx context.Context, nv model.NodeValue, cfg model.FormulaConfig) (model.NodeValue, error) {
	if cfg.Name != "" || len(cfg.Weights) > 0 {
		return annotate(nv, fmt.Errorf("%w: %q", model.ErrMisplacedFormula, cfg.Name)), nil
	}

	data, err := o.reader.IndicatorData(ctx, nv.NodeID, nv.Period)
	if err != nil {
		return nv, o.inputErr(ctx, "load indicator "+nv.NodeID, err)
	}
	bands, err := rollup.NewBandSet(nv.NodeID, data.Bands)
	if err != nil {
		return annotate(nv, err), nil
	}

	res := rollup.EvaluateIndicator(rollup.IndicatorInput{
		IndicatorID: nv.NodeID,
		Period:      nv.Period,
		Bands:       bands,
		Links:       data.Links,
		Scores:      data.Scores,
	})
	if n := len(res.Explanation.Rejections); n > 0 {
		o.metrics.rejections(ctx, n)
		o.logger.Debug("cascade: scores rejected", "indicator_id", nv.NodeID, "period", nv.Period, "count", n)
	}

	nv.Value = res.Value
	nv.Status = rollup.Classify(res.Value)
	nv.Explanation = res.Explanation
	return nv, nil
}

// evaluateInternal applies the node's formula to its children in child order.
// The formula output is clamped to [0,100]; the unclamped value is kept in the
// explanation.
func evaluateInternal(nv model.NodeValue, cfg model.FormulaConfig, inputs []model.ChildValue) model.NodeValue {
	nv.Inputs = inputs

	formula, err := model.ParseFormula(cfg.Name)
	if err != nil {
		return annotate(nv, err)
	}
	nv.Formula = formula

	raw, err := rollup.Evaluate(formula, inputs, cfg.Weights)
	if err != nil {
		return annotate(nv, err)
	}

	exp := model.Explanation{RawValue: raw}
	for _, in := range inputs {
		c := model.Contribution{Source: in.NodeID, Value: in.Value}
		if formula == model.FormulaWeightedAvg {
			w := rollup.WeightFor(cfg.Weights, in.NodeID)
			c.Weight = &w
		}
		if in.Value != nil {
			exp.ContributorCount++
		}
		exp.Breakdown = append(exp.Breakdown, c)
	}

	nv.Value = rollup.ClampPercent(raw)
	nv.Status = rollup.Classify(nv.Value)
	nv.Explanation = exp
	return nv
}

// annotate marks nv NotSet with a configuration error. Inputs already
// gathered stay on the snapshot.
func annotate(nv model.NodeValue, err error) model.NodeValue {
	nv.Value = nil
	nv.Status = model.StatusNotSet
	nv.Explanation.RawValue = nil
	nv.Error = err.Error()
	return nv
}
