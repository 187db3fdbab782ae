package localstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ragcascade/internal/cascade"
	"github.com/ashita-ai/ragcascade/internal/integrity"
	"github.com/ashita-ai/ragcascade/internal/localstore"
	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/testutil"
)

const period = "2026-09"

func openStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "cascade.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seed stores bo -> kr -> (ia, ib). ia has two customers: acme scores 1.0 and
// 0.5 on two features, globex scores 0.5 on one, so ia is 62.5. ib has no
// scores.
func seed(t *testing.T, s *localstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveNodes(ctx, []model.Node{
		{ID: "bo", Kind: model.KindBusinessOutcome, Name: "Retention", Children: []string{"kr"}},
		{ID: "kr", Kind: model.KindKeyResult, Children: []string{"ia", "ib"}},
		{ID: "ia", Kind: model.KindIndicator},
		{ID: "ib", Kind: model.KindIndicator},
	}))
	for _, ind := range []string{"ia", "ib"} {
		require.NoError(t, s.ReplaceBands(ctx, ind, []model.BandDefinition{
			{Label: "76-100%", Weight: 1, SortOrder: 1},
			{Label: "51-75%", Weight: 0.5, SortOrder: 2},
			{Label: "0-50%", Weight: 0, SortOrder: 3},
		}))
		require.NoError(t, s.ReplaceLinks(ctx, ind, period, []model.IndicatorLink{
			{CustomerID: "acme", FeatureID: "sso"},
			{CustomerID: "acme", FeatureID: "audit"},
			{CustomerID: "globex", FeatureID: "sso"},
		}))
	}
	for _, sc := range []model.RawScore{
		{CustomerID: "acme", FeatureID: "sso", BandLabel: "76-100%"},
		{CustomerID: "acme", FeatureID: "audit", BandLabel: "51-75%"},
		{CustomerID: "globex", FeatureID: "sso", BandLabel: "51-75%"},
	} {
		sc.IndicatorID, sc.Period = "ia", period
		_, err := s.UpsertScore(ctx, sc)
		require.NoError(t, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cascade.db")
	s, err := localstore.Open(context.Background(), path, testutil.TestLogger())
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	s, err = localstore.Open(context.Background(), path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	nodes, err := s.Hierarchy(context.Background(), "bo")
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
}

func TestHierarchyAndRootOf(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)

	nodes, err := s.Hierarchy(ctx, "bo")
	require.NoError(t, err)
	byID := map[string]model.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, []string{"ia", "ib"}, byID["kr"].Children)
	assert.Equal(t, "kr", byID["ib"].ParentID)
	assert.Equal(t, "Retention", byID["bo"].Name)

	root, err := s.RootOf(ctx, "ib")
	require.NoError(t, err)
	assert.Equal(t, "bo", root)

	_, err = s.RootOf(ctx, "ghost")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
	_, err = s.Hierarchy(ctx, "ghost")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestSaveNodesRejectsUnknownChild(t *testing.T) {
	s := openStore(t)
	err := s.SaveNodes(context.Background(), []model.Node{
		{ID: "bo", Kind: model.KindBusinessOutcome, Children: []string{"missing"}},
	})
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestSaveNodesRejectsCycles(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	err := s.SaveNodes(ctx, []model.Node{
		{ID: "r", Kind: model.KindKeyResult, Children: []string{"c"}},
		{ID: "c", Kind: model.KindKeyResult, Children: []string{"r"}},
	})
	require.ErrorIs(t, err, model.ErrInvalidHierarchy)

	err = s.SaveNodes(ctx, []model.Node{{ID: "self", Kind: model.KindKeyResult, Children: []string{"self"}}})
	require.ErrorIs(t, err, model.ErrInvalidHierarchy)

	// A loop closed across two calls is refused too, and the rejected call
	// leaves the stored tree as it was.
	seed(t, s)
	err = s.SaveNodes(ctx, []model.Node{{ID: "ia", Kind: model.KindIndicator, Children: []string{"bo"}}})
	require.ErrorIs(t, err, model.ErrInvalidHierarchy)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	nodes, err := s.Hierarchy(ctx, "bo")
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
	root, err := s.RootOf(ctx, "ia")
	require.NoError(t, err)
	assert.Equal(t, "bo", root)
}

func TestSaveNodesDetachesDroppedChildren(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)

	require.NoError(t, s.SaveNodes(ctx, []model.Node{
		{ID: "kr", Kind: model.KindKeyResult, Children: []string{"ia"}},
	}))

	nodes, err := s.Hierarchy(ctx, "bo")
	require.NoError(t, err)
	byID := map[string]model.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, []string{"ia"}, byID["kr"].Children)
	assert.NotContains(t, byID, "ib")

	root, err := s.RootOf(ctx, "ib")
	require.NoError(t, err)
	assert.Equal(t, "ib", root, "a detached node is its own root")

	res, err := cascade.New(s, s, testutil.TestLogger(), 2).Recompute(ctx, "bo", period)
	require.NoError(t, err)
	assert.Len(t, res.Values, 3)
	require.NotNil(t, res.Values["kr"].Value)
	assert.InDelta(t, 62.5, *res.Values["kr"].Value, 1e-9)
}

func TestUpsertScoreReplaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)

	_, err := s.UpsertScore(ctx, model.RawScore{
		IndicatorID: "ia", CustomerID: "acme", FeatureID: "sso", Period: period, BandLabel: "0-50%",
		SubmittedAt: time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	data, err := s.IndicatorData(ctx, "ia", period)
	require.NoError(t, err)
	assert.Equal(t, []string{"76-100%", "51-75%", "0-50%"},
		[]string{data.Bands[0].Label, data.Bands[1].Label, data.Bands[2].Label})
	assert.Len(t, data.Links, 3)
	require.Len(t, data.Scores, 3)
	for _, sc := range data.Scores {
		if sc.CustomerID == "acme" && sc.FeatureID == "sso" {
			assert.Equal(t, "0-50%", sc.BandLabel)
			assert.True(t, sc.SubmittedAt.Equal(time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)))
		}
	}

	other, err := s.IndicatorData(ctx, "ia", "2026-10")
	require.NoError(t, err)
	assert.Empty(t, other.Scores)
	assert.Empty(t, other.Links)
}

func TestSetFormulaVersions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)

	v1, err := s.SetFormula(ctx, "kr", "SUM", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	v2, err := s.SetFormula(ctx, "kr", "WEIGHTED_AVG", map[string]float64{"ia": 3, "ib": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	active, err := s.ActiveFormulas(ctx, []string{"bo", "kr"})
	require.NoError(t, err)
	require.Contains(t, active, "kr")
	assert.NotContains(t, active, "bo")
	assert.Equal(t, "WEIGHTED_AVG", active["kr"].Name)
	assert.Equal(t, 2, active["kr"].Version)
	assert.InDelta(t, 3, active["kr"].Weights["ia"], 1e-9)

	_, err = s.SetFormula(ctx, "ghost", "AVG", nil)
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestCascadeOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)
	o := cascade.New(s, s, testutil.TestLogger(), 2)

	first, err := o.Recompute(ctx, "bo", period)
	require.NoError(t, err)
	require.NotNil(t, first.Values["ia"].Value)
	assert.InDelta(t, 62.5, *first.Values["ia"].Value, 1e-9)
	assert.Equal(t, model.StatusAmber, first.Values["ia"].Status)
	assert.Nil(t, first.Values["ib"].Value)
	assert.InDelta(t, 62.5, *first.Values["bo"].Value, 1e-9)

	stored, err := s.GetSnapshot(ctx, "ia", period)
	require.NoError(t, err)
	assert.Equal(t, first.Values["ia"].ContentHash, stored.ContentHash)
	assert.True(t, integrity.VerifyContentHash(stored), "hash survives the round trip")
	assert.Equal(t, []model.CustomerAverage{
		{CustomerID: "acme", Average: 0.75, FeatureCount: 2},
		{CustomerID: "globex", Average: 0.5, FeatureCount: 1},
	}, stored.Explanation.CustomerAverages)

	second, err := o.Recompute(ctx, "bo", period)
	require.NoError(t, err)
	for id, nv := range second.Values {
		assert.Equal(t, first.Values[id].ContentHash, nv.ContentHash, id)
	}

	history, err := s.History(ctx, "kr", period, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.Values["kr"].ID, history[0].ID)
	assert.Nil(t, history[0].ValidTo)
	require.NotNil(t, history[0].SupersedesID)
	assert.Equal(t, history[1].ID, *history[0].SupersedesID)
	require.NotNil(t, history[1].ValidTo)
	assert.False(t, history[1].ValidTo.Before(history[1].ValidFrom))

	limited, err := s.History(ctx, "kr", period, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	run, err := s.GetRun(ctx, second.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.NodeCount)
	hashes, err := s.RunSnapshotHashes(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RootHash, integrity.BuildMerkleRoot(hashes))

	runs, err := s.ListRuns(ctx, "bo", period, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.Run.ID, runs[0].ID)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, localstore.ErrNotFound)
	_, err = s.GetSnapshot(ctx, "ia", "2026-10")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestRecomputePathOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)
	o := cascade.New(s, s, testutil.TestLogger(), 2)

	_, err := o.Recompute(ctx, "bo", period)
	require.NoError(t, err)

	_, err = s.UpsertScore(ctx, model.RawScore{
		IndicatorID: "ib", CustomerID: "globex", FeatureID: "sso", Period: period, BandLabel: "76-100%",
	})
	require.NoError(t, err)

	res, err := o.RecomputePath(ctx, "ib", period)
	require.NoError(t, err)
	assert.True(t, res.Run.Partial)
	assert.Len(t, res.Values, 3)
	assert.InDelta(t, 100, *res.Values["ib"].Value, 1e-9)
	assert.InDelta(t, 81.25, *res.Values["kr"].Value, 1e-9)

	current, err := s.CurrentValues(ctx, []string{"ia", "ib", "kr", "bo"}, period)
	require.NoError(t, err)
	assert.Len(t, current, 4)
	assert.Equal(t, res.Values["bo"].ID, current["bo"].ID)
	assert.NotEqual(t, res.Run.ID, current["ia"].RunID, "off-path snapshot untouched")
}

func TestConfigErrorIsolatedOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s)
	_, err := s.SetFormula(ctx, "kr", "MEDIAN", nil)
	require.NoError(t, err)

	res, err := cascade.New(s, s, testutil.TestLogger(), 2).Recompute(ctx, "bo", period)
	require.NoError(t, err)
	kr := res.Values["kr"]
	assert.NotEmpty(t, kr.Error)
	assert.Equal(t, model.StatusNotSet, kr.Status)
	assert.Equal(t, 1, kr.FormulaVersion)
	assert.InDelta(t, 62.5, *res.Values["ia"].Value, 1e-9)
	assert.Equal(t, 1, res.Run.Errors)
}
