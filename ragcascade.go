// Package ragcascade is the public API of the hierarchical RAG rollup engine.
//
// An App owns a store (Postgres or SQLite), the cascade orchestrator, and a
// score listener that recomputes affected paths when scores change:
//
//	app, err := ragcascade.New(
//	    ragcascade.WithLogger(logger),
//	    ragcascade.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	values, err := app.Recompute(ctx, "bo-retention", "2026-09")
//
// Public types carry no internal imports; the converters at the bottom of
// this file are the only place both sides of the boundary meet.
package ragcascade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/ragcascade/internal/cascade"
	"github.com/ashita-ai/ragcascade/internal/config"
	"github.com/ashita-ai/ragcascade/internal/integrity"
	"github.com/ashita-ai/ragcascade/internal/localstore"
	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/storage"
	"github.com/ashita-ai/ragcascade/internal/telemetry"
	"github.com/ashita-ai/ragcascade/internal/trigger"
	"github.com/ashita-ai/ragcascade/migrations"
)

var (
	// ErrNotFound is returned for unknown nodes, snapshots, and runs.
	ErrNotFound = model.ErrNotFound
	// ErrRunCanceled is returned when a run's context ends before commit.
	ErrRunCanceled = cascade.ErrRunCanceled
	// ErrInputsUnavailable is returned when the store fails mid-run.
	ErrInputsUnavailable = cascade.ErrInputsUnavailable
)

// backend is what both stores provide.
type backend interface {
	cascade.Reader
	cascade.Writer
	SaveNodes(ctx context.Context, nodes []model.Node) error
	SetFormula(ctx context.Context, nodeID, name string, weights map[string]float64) (model.FormulaConfig, error)
	ReplaceBands(ctx context.Context, indicatorID string, bands []model.BandDefinition) error
	ReplaceLinks(ctx context.Context, indicatorID, period string, links []model.IndicatorLink) error
	UpsertScore(ctx context.Context, s model.RawScore) (model.RawScore, error)
	GetSnapshot(ctx context.Context, nodeID, period string) (model.NodeValue, error)
	History(ctx context.Context, nodeID, period string, limit int) ([]model.NodeValue, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.CascadeRun, error)
	ListRuns(ctx context.Context, rootID, period string, limit int) ([]model.CascadeRun, error)
	RunSnapshotHashes(ctx context.Context, id uuid.UUID) ([]string, error)
}

// App is the engine lifecycle. Construct with New. Run starts the score
// listener; the query and recompute methods work without it.
type App struct {
	cfg          config.Config
	store        backend
	closeStore   func()
	orch         *cascade.Orchestrator
	listener     *trigger.Listener
	notifies     bool // store emits score notifications itself
	otelShutdown telemetry.Shutdown
	hooks        []EventHook
	hooksWG      sync.WaitGroup
	logger       *slog.Logger
	version      string

	mu      sync.Mutex
	running bool
}

// New loads configuration, opens the store, applies migrations, and wires
// the orchestrator and listener. It starts no goroutines.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.workers != 0 {
		cfg.Workers = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("ragcascade starting", "version", version, "store", cfg.Store, "workers", cfg.Workers)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		hooks:        o.eventHooks,
		logger:       logger,
		version:      version,
	}

	var source trigger.Source = localSource{}
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := localstore.Open(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("localstore: %w", err)
		}
		a.store = s
		a.closeStore = func() { _ = s.Close() }
		logger.Info("store: sqlite", "path", s.Path)
	default:
		db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		for i, fsys := range append([]fs.FS{migrations.FS}, o.extraMigrations...) {
			if err := db.RunMigrations(context.Background(), fsys); err != nil {
				db.Close(context.Background())
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("migrations[%d]: %w", i, err)
			}
		}
		a.store = db
		a.closeStore = func() { db.Close(context.Background()) }
		if db.HasNotify() {
			source = db
			a.notifies = true
		} else {
			logger.Info("score listener: no notify connection, only in-process submissions trigger recomputes")
		}
	}

	a.orch = cascade.New(a.store, a.store, logger, cfg.Workers)
	a.listener = trigger.New(source, storage.ChannelScores, pathRecomputer{a}, logger, cfg.TriggerDebounce, cfg.RunTimeout)
	return a, nil
}

// Run starts the score listener and blocks until ctx ends, then shuts down.
// Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if err := a.listener.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// Running reports whether Run has started the score listener and not yet
// shut it down. Scores submitted while it is false are stored but trigger no
// recompute.
func (a *App) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Shutdown drains the listener, waits for event hooks, and closes the store
// and telemetry providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("ragcascade shutting down")

	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()
	if running {
		drainCtx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
		a.listener.Drain(drainCtx)
		cancel()
	}

	hooksDone := make(chan struct{})
	go func() {
		a.hooksWG.Wait()
		close(hooksDone)
	}()
	select {
	case <-hooksDone:
	case <-time.After(10 * time.Second):
		a.logger.Warn("event hooks still running at shutdown")
	}

	a.closeStore()
	err := a.otelShutdown(ctx)
	a.logger.Info("ragcascade stopped")
	return err
}

// Recompute evaluates every node under rootID for period and commits one new
// snapshot per node. It returns the committed values keyed by node id.
func (a *App) Recompute(ctx context.Context, rootID, period string) (map[string]NodeValue, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()
	res, err := pathRecomputer{a}.Recompute(ctx, rootID, period)
	if err != nil {
		return nil, err
	}
	return toPublicValues(res.Values), nil
}

// RecomputePath re-evaluates nodeID and its ancestors, reusing current
// snapshots elsewhere in the tree.
func (a *App) RecomputePath(ctx context.Context, nodeID, period string) (map[string]NodeValue, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()
	res, err := pathRecomputer{a}.RecomputePath(ctx, nodeID, period)
	if err != nil {
		return nil, err
	}
	return toPublicValues(res.Values), nil
}

// GetSnapshot returns the current snapshot of (nodeID, period).
func (a *App) GetSnapshot(ctx context.Context, nodeID, period string) (NodeValue, error) {
	nv, err := a.store.GetSnapshot(ctx, nodeID, period)
	if err != nil {
		return NodeValue{}, err
	}
	return toPublicValue(nv), nil
}

// History returns the snapshots of (nodeID, period), newest first. limit <= 0
// means all.
func (a *App) History(ctx context.Context, nodeID, period string, limit int) ([]NodeValue, error) {
	values, err := a.store.History(ctx, nodeID, period, limit)
	if err != nil {
		return nil, err
	}
	out := make([]NodeValue, len(values))
	for i, nv := range values {
		out[i] = toPublicValue(nv)
	}
	return out, nil
}

// VerifySnapshot reports whether the current snapshot of (nodeID, period)
// still matches its content hash.
func (a *App) VerifySnapshot(ctx context.Context, nodeID, period string) (bool, error) {
	nv, err := a.store.GetSnapshot(ctx, nodeID, period)
	if err != nil {
		return false, err
	}
	return integrity.VerifyContentHash(nv), nil
}

// VerifyRun reports whether the snapshots committed by a run still hash to
// the run's recorded Merkle root.
func (a *App) VerifyRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	hashes, err := a.store.RunSnapshotHashes(ctx, runID)
	if err != nil {
		return false, err
	}
	return integrity.BuildMerkleRoot(hashes) == run.RootHash, nil
}

// Runs lists the committed runs for (rootID, period), newest first.
func (a *App) Runs(ctx context.Context, rootID, period string, limit int) ([]Run, error) {
	runs, err := a.store.ListRuns(ctx, rootID, period, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, len(runs))
	for i, r := range runs {
		out[i] = toPublicRun(r)
	}
	return out, nil
}

// SaveHierarchy stores nodes and their parent links.
func (a *App) SaveHierarchy(ctx context.Context, nodes []Node) error {
	in := make([]model.Node, len(nodes))
	for i, n := range nodes {
		in[i] = model.Node{ID: n.ID, Kind: model.NodeKind(n.Kind), Name: n.Name, Children: n.Children}
	}
	return a.store.SaveNodes(ctx, in)
}

// SetFormula activates a new formula version for nodeID and returns it.
func (a *App) SetFormula(ctx context.Context, nodeID, name string, weights map[string]float64) (int, error) {
	cfg, err := a.store.SetFormula(ctx, nodeID, name, weights)
	if err != nil {
		return 0, err
	}
	return cfg.Version, nil
}

// SetBands replaces the band registry of an indicator.
func (a *App) SetBands(ctx context.Context, indicatorID string, bands []Band) error {
	in := make([]model.BandDefinition, len(bands))
	for i, b := range bands {
		in[i] = model.BandDefinition{IndicatorID: indicatorID, Label: b.Label, Weight: b.Weight, SortOrder: b.SortOrder}
	}
	return a.store.ReplaceBands(ctx, indicatorID, in)
}

// SetLinks replaces the (customer, feature) pairs of an indicator for period.
func (a *App) SetLinks(ctx context.Context, indicatorID, period string, links []Link) error {
	in := make([]model.IndicatorLink, len(links))
	for i, l := range links {
		in[i] = model.IndicatorLink{IndicatorID: indicatorID, CustomerID: l.CustomerID, FeatureID: l.FeatureID, Period: period}
	}
	return a.store.ReplaceLinks(ctx, indicatorID, period, in)
}

// SubmitScore records a score. While the App runs, the indicator's path is
// recomputed after the debounce window.
func (a *App) SubmitScore(ctx context.Context, s Score) error {
	if _, err := a.store.UpsertScore(ctx, model.RawScore{
		IndicatorID: s.IndicatorID,
		FeatureID:   s.FeatureID,
		CustomerID:  s.CustomerID,
		Period:      s.Period,
		BandLabel:   s.BandLabel,
		SubmittedAt: s.SubmittedAt,
	}); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running && !a.notifies {
		a.listener.Enqueue(model.ScoreEvent{IndicatorID: s.IndicatorID, Period: s.Period})
	}
	return nil
}

// pathRecomputer runs the orchestrator and fires event hooks on commit. The
// listener drives it too, so hooks see listener-triggered runs.
type pathRecomputer struct{ a *App }

func (p pathRecomputer) Recompute(ctx context.Context, rootID, period string) (cascade.Result, error) {
	res, err := p.a.orch.Recompute(ctx, rootID, period)
	if err == nil {
		p.a.fireHooks(res)
	}
	return res, err
}

func (p pathRecomputer) RecomputePath(ctx context.Context, nodeID, period string) (cascade.Result, error) {
	res, err := p.a.orch.RecomputePath(ctx, nodeID, period)
	if err == nil {
		p.a.fireHooks(res)
	}
	return res, err
}

func (a *App) fireHooks(res cascade.Result) {
	if len(a.hooks) == 0 {
		return
	}
	run := toPublicRun(res.Run)
	values := make([]NodeValue, 0, len(res.Values))
	for _, nv := range res.Values {
		values = append(values, toPublicValue(nv))
	}
	a.hooksWG.Add(1)
	go func() {
		defer a.hooksWG.Done()
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range a.hooks {
			if err := h.OnSnapshotsCommitted(hookCtx, run, values); err != nil {
				a.logger.Warn("event hook OnSnapshotsCommitted failed", "error", err, "run_id", run.ID)
			}
		}
	}()
}

// localSource is the listener source for stores without notifications.
// Events arrive only through Listener.Enqueue.
type localSource struct{}

func (localSource) Listen(context.Context, string) error { return nil }

func (localSource) WaitForNotification(ctx context.Context) (string, string, error) {
	<-ctx.Done()
	return "", "", ctx.Err()
}

// IsNotFound reports whether err means an unknown node, snapshot, or run.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ── Converters ───────────────────────────────────────────────────────────────

func toPublicValues(in map[string]model.NodeValue) map[string]NodeValue {
	out := make(map[string]NodeValue, len(in))
	for id, nv := range in {
		out[id] = toPublicValue(nv)
	}
	return out
}

func toPublicValue(nv model.NodeValue) NodeValue {
	out := NodeValue{
		ID:               nv.ID,
		RunID:            nv.RunID,
		NodeID:           nv.NodeID,
		Kind:             string(nv.Kind),
		Period:           nv.Period,
		Value:            nv.Value,
		Status:           Status(nv.Status),
		Formula:          string(nv.Formula),
		FormulaVersion:   nv.FormulaVersion,
		ThresholdVersion: nv.ThresholdVersion,
		Error:            nv.Error,
		ContentHash:      nv.ContentHash,
		SupersedesID:     nv.SupersedesID,
		ComputedAt:       nv.ComputedAt,
		ValidFrom:        nv.ValidFrom,
		ValidTo:          nv.ValidTo,
	}
	for _, in := range nv.Inputs {
		out.Inputs = append(out.Inputs, ChildValue{NodeID: in.NodeID, Value: in.Value})
	}

	exp := nv.Explanation
	out.Explanation = Explanation{ContributorCount: exp.ContributorCount, RawValue: exp.RawValue}
	for _, c := range exp.Breakdown {
		out.Explanation.Breakdown = append(out.Explanation.Breakdown, Contribution{Source: c.Source, Value: c.Value, Weight: c.Weight})
	}
	for _, b := range exp.BandHistogram {
		out.Explanation.BandHistogram = append(out.Explanation.BandHistogram, BandCount{Label: b.Label, Count: b.Count})
	}
	for _, c := range exp.CustomerAverages {
		out.Explanation.CustomerAverages = append(out.Explanation.CustomerAverages,
			CustomerAverage{CustomerID: c.CustomerID, Average: c.Average, FeatureCount: c.FeatureCount})
	}
	for _, r := range exp.Rejections {
		out.Explanation.Rejections = append(out.Explanation.Rejections,
			Rejection{CustomerID: r.CustomerID, FeatureID: r.FeatureID, BandLabel: r.BandLabel, Reason: string(r.Reason)})
	}
	return out
}

func toPublicRun(r model.CascadeRun) Run {
	return Run{
		ID:         r.ID,
		RootID:     r.RootID,
		Period:     r.Period,
		Partial:    r.Partial,
		NodeCount:  r.NodeCount,
		Rejections: r.Rejections,
		Errors:     r.Errors,
		RootHash:   r.RootHash,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
