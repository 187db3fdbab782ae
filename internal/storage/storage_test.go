package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ragcascade/internal/cascade"
	"github.com/ashita-ai/ragcascade/internal/integrity"
	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/storage"
	"github.com/ashita-ai/ragcascade/internal/testutil"
	"github.com/ashita-ai/ragcascade/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

const period = "2026-09"

// seedTree stores root -> kr -> (ind-a, ind-b) under a unique prefix and
// returns the ids. ind-a scores 75 (one customer, two features at 1.0 and
// 0.5); ind-b has no scores.
func seedTree(t *testing.T) (root, kr, indA, indB string) {
	t.Helper()
	ctx := context.Background()
	p := uuid.NewString()[:8]
	root, kr, indA, indB = p+"-bo", p+"-kr", p+"-ia", p+"-ib"

	require.NoError(t, testDB.SaveNodes(ctx, []model.Node{
		{ID: root, Kind: model.KindBusinessOutcome, Name: "Retention", Children: []string{kr}},
		{ID: kr, Kind: model.KindKeyResult, Children: []string{indA, indB}},
		{ID: indA, Kind: model.KindIndicator},
		{ID: indB, Kind: model.KindIndicator},
	}))
	for _, ind := range []string{indA, indB} {
		require.NoError(t, testDB.ReplaceBands(ctx, ind, []model.BandDefinition{
			{Label: "76-100%", Weight: 1, SortOrder: 1},
			{Label: "51-75%", Weight: 0.5, SortOrder: 2},
			{Label: "0-50%", Weight: 0, SortOrder: 3},
		}))
		require.NoError(t, testDB.ReplaceLinks(ctx, ind, period, []model.IndicatorLink{
			{CustomerID: "acme", FeatureID: "sso"},
			{CustomerID: "acme", FeatureID: "audit"},
		}))
	}
	for feature, band := range map[string]string{"sso": "76-100%", "audit": "51-75%"} {
		_, err := testDB.UpsertScore(ctx, model.RawScore{
			IndicatorID: indA, CustomerID: "acme", FeatureID: feature, Period: period, BandLabel: band,
		})
		require.NoError(t, err)
	}
	return root, kr, indA, indB
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestHierarchyAndRootOf(t *testing.T) {
	ctx := context.Background()
	root, kr, indA, indB := seedTree(t)

	nodes, err := testDB.Hierarchy(ctx, root)
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	byID := map[string]model.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, []string{indA, indB}, byID[kr].Children, "children keep their saved order")
	assert.Equal(t, kr, byID[indA].ParentID)
	assert.Equal(t, "Retention", byID[root].Name)

	got, err := testDB.RootOf(ctx, indB)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	_, err = testDB.RootOf(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.Hierarchy(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveNodesRejectsCycles(t *testing.T) {
	ctx := context.Background()
	p := uuid.NewString()[:8]
	r, c := p+"-r", p+"-c"

	err := testDB.SaveNodes(ctx, []model.Node{
		{ID: r, Kind: model.KindKeyResult, Children: []string{c}},
		{ID: c, Kind: model.KindKeyResult, Children: []string{r}},
	})
	require.ErrorIs(t, err, model.ErrInvalidHierarchy)

	root, _, indA, _ := seedTree(t)
	err = testDB.SaveNodes(ctx, []model.Node{{ID: indA, Kind: model.KindIndicator, Children: []string{root}}})
	require.ErrorIs(t, err, model.ErrInvalidHierarchy)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	nodes, err := testDB.Hierarchy(ctx, root)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
}

func TestSaveNodesDetachesDroppedChildren(t *testing.T) {
	ctx := context.Background()
	root, kr, indA, indB := seedTree(t)

	require.NoError(t, testDB.SaveNodes(ctx, []model.Node{
		{ID: kr, Kind: model.KindKeyResult, Children: []string{indA}},
	}))

	nodes, err := testDB.Hierarchy(ctx, root)
	require.NoError(t, err)
	byID := map[string]model.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, []string{indA}, byID[kr].Children)
	assert.NotContains(t, byID, indB)

	got, err := testDB.RootOf(ctx, indB)
	require.NoError(t, err)
	assert.Equal(t, indB, got)
}

func TestUpsertScoreOverwritesAndNotifies(t *testing.T) {
	ctx := context.Background()
	_, _, indA, _ := seedTree(t)

	require.NoError(t, testDB.Listen(ctx, storage.ChannelScores))

	_, err := testDB.UpsertScore(ctx, model.RawScore{
		IndicatorID: indA, CustomerID: "acme", FeatureID: "sso", Period: period, BandLabel: "0-50%",
	})
	require.NoError(t, err)

	data, err := testDB.IndicatorData(ctx, indA, period)
	require.NoError(t, err)
	assert.Len(t, data.Bands, 3)
	assert.Len(t, data.Links, 2)
	require.Len(t, data.Scores, 2, "resubmission replaces, never appends")
	for _, s := range data.Scores {
		if s.FeatureID == "sso" {
			assert.Equal(t, "0-50%", s.BandLabel)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		channel, payload, err := testDB.WaitForNotification(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, storage.ChannelScores, channel)
		var ev model.ScoreEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		// Earlier tests may have queued events for other indicators.
		if ev.IndicatorID == indA && ev.Period == period {
			return
		}
	}
}

func TestSetFormulaVersions(t *testing.T) {
	ctx := context.Background()
	_, kr, _, _ := seedTree(t)

	first, err := testDB.SetFormula(ctx, kr, "MIN", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := testDB.SetFormula(ctx, kr, "WEIGHTED_AVG", map[string]float64{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	active, err := testDB.ActiveFormulas(ctx, []string{kr, "unconfigured"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[kr].Version)
	assert.Equal(t, "WEIGHTED_AVG", active[kr].Name)
	assert.Equal(t, map[string]float64{"x": 2}, active[kr].Weights)

	_, err = testDB.SetFormula(ctx, "missing-"+uuid.NewString(), "AVG", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCascadeOverPostgres(t *testing.T) {
	ctx := context.Background()
	root, kr, indA, indB := seedTree(t)
	o := cascade.New(testDB, testDB, testutil.TestLogger(), 4)

	first, err := o.Recompute(ctx, root, period)
	require.NoError(t, err)
	second, err := o.Recompute(ctx, root, period)
	require.NoError(t, err)

	snap, err := testDB.GetSnapshot(ctx, kr, period)
	require.NoError(t, err)
	assert.Equal(t, second.Values[kr].ID, snap.ID)
	require.NotNil(t, snap.Value)
	assert.Equal(t, 75.0, *snap.Value)
	assert.Equal(t, model.StatusAmber, snap.Status)
	assert.True(t, integrity.VerifyContentHash(snap), "hash must survive the round trip")
	assert.Equal(t, first.Values[kr].ContentHash, snap.ContentHash)

	ind, err := testDB.GetSnapshot(ctx, indB, period)
	require.NoError(t, err)
	assert.Nil(t, ind.Value)
	assert.Equal(t, model.StatusNotSet, ind.Status)

	a, err := testDB.GetSnapshot(ctx, indA, period)
	require.NoError(t, err)
	assert.Equal(t, []model.BandCount{
		{Label: "76-100%", Count: 1}, {Label: "51-75%", Count: 1}, {Label: "0-50%", Count: 0},
	}, a.Explanation.BandHistogram)

	hist, err := testDB.History(ctx, kr, period, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.Values[kr].ID, hist[0].ID)
	require.NotNil(t, hist[0].SupersedesID)
	assert.Equal(t, first.Values[kr].ID, *hist[0].SupersedesID)
	assert.Nil(t, hist[0].ValidTo)
	require.NotNil(t, hist[1].ValidTo)

	run, err := testDB.GetRun(ctx, second.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.NodeCount)
	hashes, err := testDB.RunSnapshotHashes(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RootHash, integrity.BuildMerkleRoot(hashes))

	runs, err := testDB.ListRuns(ctx, root, period, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestConcurrentRunsLeaveOneCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	root, kr, _, _ := seedTree(t)
	o := cascade.New(testDB, testDB, testutil.TestLogger(), 2)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Recompute(ctx, root, period)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hist, err := testDB.History(ctx, kr, period, 0)
	require.NoError(t, err)
	require.Len(t, hist, 6)
	current := 0
	for _, nv := range hist {
		if nv.ValidTo == nil {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestGetSnapshotNotFound(t *testing.T) {
	_, err := testDB.GetSnapshot(context.Background(), "missing-"+uuid.NewString(), period)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
