package ragcascade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ragcascade/internal/testutil"
)

func TestSubmitScoreQueuesOnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	app, err := New(
		WithStore("sqlite"),
		WithSQLitePath(filepath.Join(t.TempDir(), "cascade.db")),
		WithLogger(testutil.TestLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	require.NoError(t, app.SaveHierarchy(ctx, []Node{{ID: "ia", Kind: KindIndicator}}))
	for i := range 100 {
		require.NoError(t, app.SubmitScore(ctx, Score{
			IndicatorID: "ia",
			CustomerID:  "acme",
			FeatureID:   "sso",
			Period:      string(rune('a'+i%26)) + "-period",
			BandLabel:   "76-100%",
		}))
	}
	assert.False(t, app.Running())
	assert.Equal(t, 0, app.listener.Pending())
}
