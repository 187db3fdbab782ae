package cascade

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// RecomputePath re-evaluates nodeID and each of its ancestors up to the root,
// reusing the current snapshots of every node off that path. It is the
// incremental reaction to a single changed score.
//
// If any off-path child has never been computed for period, the run falls
// back to a full Recompute of the tree so no parent is derived from a gap.
func (o *Orchestrator) RecomputePath(ctx context.Context, nodeID, period string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "cascade.RecomputePath", trace.WithAttributes(
		attribute.String("cascade.node_id", nodeID),
		attribute.String("cascade.period", period),
	))
	defer span.End()

	started := o.now()
	rootID, err := o.reader.RootOf(ctx, nodeID)
	if err != nil {
		err = o.inputErr(ctx, "find root", err)
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}
	release, err := o.acquireRoot(ctx, rootID)
	if err != nil {
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}
	defer release()

	tree, formulas, err := o.load(ctx, rootID)
	if err != nil {
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}
	path := tree.PathToRoot(nodeID)
	if path == nil {
		err = fmt.Errorf("cascade: node %q: %w", nodeID, model.ErrNotFound)
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}

	current, err := o.offPathValues(ctx, tree, path, period)
	if err != nil {
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}
	if current == nil {
		o.logger.Info("cascade: path has uncomputed siblings, recomputing full tree",
			"node_id", nodeID, "root_id", rootID, "period", period)
		res, err := o.recompute(ctx, rootID, period, started)
		o.finish(ctx, span, res, err, started, false)
		return res, err
	}

	values, err := o.evaluatePath(ctx, tree, path, period, formulas, current)
	if err != nil {
		o.finish(ctx, span, Result{}, err, started, true)
		return Result{}, err
	}
	res, err := o.commit(ctx, rootID, period, true, values, started)
	o.finish(ctx, span, res, err, started, true)
	return res, err
}

// offPathValues loads the current snapshots of the children of path nodes that
// are not themselves on the path. It returns nil, nil when one is missing.
func (o *Orchestrator) offPathValues(ctx context.Context, tree *model.Tree, path []string, period string) (map[string]*float64, error) {
	var ids []string
	for _, id := range path {
		n, _ := tree.Node(id)
		for _, c := range n.Children {
			if !slices.Contains(path, c) {
				ids = append(ids, c)
			}
		}
	}
	if len(ids) == 0 {
		return map[string]*float64{}, nil
	}

	snaps, err := o.reader.CurrentValues(ctx, ids, period)
	if err != nil {
		return nil, o.inputErr(ctx, "load current values", err)
	}
	out := make(map[string]*float64, len(ids))
	for _, id := range ids {
		nv, ok := snaps[id]
		if !ok {
			return nil, nil
		}
		out[id] = nv.Value
	}
	return out, nil
}

// evaluatePath walks path from the changed node upward. Each step depends on
// the previous one, so the walk is sequential.
func (o *Orchestrator) evaluatePath(ctx context.Context, tree *model.Tree, path []string, period string, formulas map[string]model.FormulaConfig, current map[string]*float64) ([]model.NodeValue, error) {
	fresh := make(map[string]*float64, len(path))
	childValues := func(n model.Node) []model.ChildValue {
		out := make([]model.ChildValue, len(n.Children))
		for i, c := range n.Children {
			v, ok := fresh[c]
			if !ok {
				v = current[c]
			}
			out[i] = model.ChildValue{NodeID: c, Value: v}
		}
		return out
	}

	values := make([]model.NodeValue, 0, len(path))
	for _, id := range path {
		if ctx.Err() != nil {
			return nil, ErrRunCanceled
		}
		n, _ := tree.Node(id)
		nv, err := o.evaluateNode(ctx, n, period, formulas[id], childValues)
		if err != nil {
			return nil, err
		}
		fresh[id] = nv.Value
		values = append(values, nv)
	}
	return values, nil
}
