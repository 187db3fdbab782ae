// Package cascade sequences the rollup: it reads a hierarchy and its inputs,
// evaluates every node strictly after its children on a bounded worker pool,
// and commits the resulting snapshots as one atomic run.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/ragcascade/internal/integrity"
	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/telemetry"
)

var (
	// ErrRunCanceled is returned when the caller's context ends before the run
	// commits. Nothing from the run is visible afterwards.
	ErrRunCanceled = errors.New("cascade: run canceled")

	// ErrInputsUnavailable wraps a Reader failure. The run commits nothing.
	ErrInputsUnavailable = errors.New("cascade: inputs unavailable")
)

// Reader is the read-only view of hierarchy, configuration, and score data.
// Implementations must return model.ErrNotFound (wrapped) for unknown nodes.
type Reader interface {
	// Hierarchy returns every node reachable from rootID, rootID included.
	Hierarchy(ctx context.Context, rootID string) ([]model.Node, error)
	// RootOf returns the id of the root of the tree containing nodeID.
	RootOf(ctx context.Context, nodeID string) (string, error)
	// ActiveFormulas returns the active formula configuration of each listed
	// node that has one. Nodes without configuration are absent from the map.
	ActiveFormulas(ctx context.Context, nodeIDs []string) (map[string]model.FormulaConfig, error)
	// IndicatorData returns the bands, links, and scores of one indicator.
	IndicatorData(ctx context.Context, indicatorID, period string) (model.IndicatorData, error)
	// CurrentValues returns the current snapshot of each listed node that has one.
	CurrentValues(ctx context.Context, nodeIDs []string, period string) (map[string]model.NodeValue, error)
}

// Writer persists the snapshots of a run. CommitRun must be atomic: either every
// value and the run record become visible, or none do. Each value supersedes the
// current snapshot of its (node, period). CommitRun may restamp ValidFrom in
// place with its own commit instant.
type Writer interface {
	CommitRun(ctx context.Context, run model.CascadeRun, values []model.NodeValue) error
}

// Result is the committed output of a run.
type Result struct {
	Run    model.CascadeRun
	Values map[string]model.NodeValue
}

// Orchestrator runs cascades. It is safe for concurrent use; concurrent runs
// over the same (node, period) are serialized by the Writer.
type Orchestrator struct {
	reader  Reader
	writer  Writer
	logger  *slog.Logger
	workers int
	now     func() time.Time

	tracer  trace.Tracer
	metrics *metrics

	// roots holds one semaphore per tree. Runs over the same tree take turns,
	// so a path run never commits ancestors derived from a sibling value that
	// another in-flight run is replacing.
	roots sync.Map // rootID -> chan struct{}
}

// New creates an Orchestrator. workers bounds how many nodes are evaluated at
// once; values below 1 mean 1.
func New(reader Reader, writer Writer, logger *slog.Logger, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		reader:  reader,
		writer:  writer,
		logger:  logger,
		workers: workers,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  telemetry.Tracer("ragcascade/cascade"),
		metrics: newMetrics(),
	}
}

// Recompute evaluates every node under rootID for period and commits one new
// snapshot per node.
func (o *Orchestrator) Recompute(ctx context.Context, rootID, period string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "cascade.Recompute", trace.WithAttributes(
		attribute.String("cascade.root_id", rootID),
		attribute.String("cascade.period", period),
	))
	defer span.End()

	started := o.now()
	release, err := o.acquireRoot(ctx, rootID)
	if err != nil {
		o.finish(ctx, span, Result{}, err, started, false)
		return Result{}, err
	}
	defer release()

	res, err := o.recompute(ctx, rootID, period, started)
	o.finish(ctx, span, res, err, started, false)
	return res, err
}

func (o *Orchestrator) acquireRoot(ctx context.Context, rootID string) (func(), error) {
	v, _ := o.roots.LoadOrStore(rootID, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ErrRunCanceled
	}
}

func (o *Orchestrator) recompute(ctx context.Context, rootID, period string, started time.Time) (Result, error) {
	tree, formulas, err := o.load(ctx, rootID)
	if err != nil {
		return Result{}, err
	}

	values, err := o.evaluateTree(ctx, tree, period, formulas)
	if err != nil {
		return Result{}, err
	}
	return o.commit(ctx, rootID, period, false, values, started)
}

func (o *Orchestrator) load(ctx context.Context, rootID string) (*model.Tree, map[string]model.FormulaConfig, error) {
	nodes, err := o.reader.Hierarchy(ctx, rootID)
	if err != nil {
		return nil, nil, o.inputErr(ctx, "load hierarchy", err)
	}
	tree, err := model.NewTree(rootID, nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("cascade: %w", err)
	}
	formulas, err := o.reader.ActiveFormulas(ctx, tree.PostOrder())
	if err != nil {
		return nil, nil, o.inputErr(ctx, "load formulas", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("cascade.tree_nodes", tree.Len()),
		attribute.Int("cascade.tree_indicators", len(tree.Indicators())),
	)
	o.logger.Debug("cascade: tree loaded",
		"root_id", tree.Root(), "nodes", tree.Len(), "indicators", len(tree.Indicators()), "configured", len(formulas))
	return tree, formulas, nil
}

// evaluateTree runs a dependency-counting scheduler: leaves are queued first,
// and a parent is queued by whichever worker completes its last child. Every
// node is queued exactly once, so a channel sized to the tree never blocks.
func (o *Orchestrator) evaluateTree(ctx context.Context, tree *model.Tree, period string, formulas map[string]model.FormulaConfig) ([]model.NodeValue, error) {
	order := tree.PostOrder()
	index := make(map[string]int, tree.Len())
	for i, id := range order {
		index[id] = i
	}

	results := make([]model.NodeValue, tree.Len())
	pending := make([]atomic.Int32, tree.Len())
	ready := make(chan string, tree.Len())
	for i, id := range order {
		n, _ := tree.Node(id)
		pending[i].Store(int32(len(n.Children))) //nolint:gosec // child counts are small
	}
	for _, id := range tree.Leaves() {
		ready <- id
	}

	childValues := func(n model.Node) []model.ChildValue {
		out := make([]model.ChildValue, len(n.Children))
		for i, c := range n.Children {
			out[i] = model.ChildValue{NodeID: c, Value: results[index[c]].Value}
		}
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	for range min(o.workers, tree.Len()) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case id, ok := <-ready:
					if !ok {
						return nil
					}
					n, _ := tree.Node(id)
					nv, err := o.evaluateNode(gctx, n, period, formulas[id], childValues)
					if err != nil {
						return err
					}
					results[index[id]] = nv

					parent := tree.Parent(id)
					if parent == "" {
						close(ready)
						return nil
					}
					if pending[index[parent]].Add(-1) == 0 {
						ready <- parent
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrRunCanceled
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ErrRunCanceled
	}
	return results, nil
}

// commit stamps identity, hashes, and the run record onto the staged values
// and hands them to the Writer in a single call.
func (o *Orchestrator) commit(ctx context.Context, rootID, period string, partial bool, values []model.NodeValue, started time.Time) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ErrRunCanceled
	}

	now := o.now()
	run := model.CascadeRun{
		ID:        uuid.New(),
		RootID:    rootID,
		Period:    period,
		Partial:   partial,
		NodeCount: len(values),
		StartedAt: started,
	}

	hashes := make([]string, 0, len(values))
	for i := range values {
		nv := &values[i]
		nv.ID = uuid.New()
		nv.RunID = run.ID
		nv.ComputedAt = now
		nv.ValidFrom = now
		nv.ContentHash = integrity.ComputeContentHash(*nv)

		hashes = append(hashes, nv.ContentHash)
		run.Rejections += len(nv.Explanation.Rejections)
		if nv.Error != "" {
			run.Errors++
		}
	}
	slices.Sort(hashes)
	run.RootHash = integrity.BuildMerkleRoot(hashes)
	run.FinishedAt = o.now()

	ctx, span := o.tracer.Start(ctx, "cascade.Commit")
	defer span.End()
	if err := o.writer.CommitRun(ctx, run, values); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return Result{}, ErrRunCanceled
		}
		return Result{}, fmt.Errorf("cascade: commit run: %w", err)
	}

	out := make(map[string]model.NodeValue, len(values))
	for _, nv := range values {
		out[nv.NodeID] = nv
	}
	return Result{Run: run, Values: out}, nil
}

// inputErr classifies a Reader failure. A failure caused by the caller's
// context ending is a cancellation, not an outage. Unknown nodes and stored
// hierarchies that are not trees are reported as themselves.
func (o *Orchestrator) inputErr(ctx context.Context, action string, err error) error {
	if ctx.Err() != nil {
		return ErrRunCanceled
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidHierarchy) {
		return fmt.Errorf("cascade: %s: %w", action, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrInputsUnavailable, action, err)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, res Result, err error, started time.Time, partial bool) {
	elapsed := time.Since(started)
	outcome := "committed"
	switch {
	case errors.Is(err, ErrRunCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "failed"
	}
	o.metrics.record(ctx, outcome, partial, res.Run, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		level := slog.LevelError
		if outcome == "canceled" {
			level = slog.LevelWarn
		}
		o.logger.Log(ctx, level, "cascade: run not committed",
			"outcome", outcome, "partial", partial, "error", err, "duration_ms", elapsed.Milliseconds())
		return
	}

	span.SetAttributes(
		attribute.String("cascade.run_id", res.Run.ID.String()),
		attribute.Int("cascade.nodes", res.Run.NodeCount),
		attribute.Int("cascade.node_errors", res.Run.Errors),
	)
	o.logger.Info("cascade: run committed",
		"run_id", res.Run.ID,
		"root_id", res.Run.RootID,
		"period", res.Run.Period,
		"partial", partial,
		"nodes", res.Run.NodeCount,
		"rejections", res.Run.Rejections,
		"node_errors", res.Run.Errors,
		"root_hash", res.Run.RootHash,
		"duration_ms", elapsed.Milliseconds(),
	)
}
