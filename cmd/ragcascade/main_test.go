package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ragcascade"
	"github.com/ashita-ai/ragcascade/internal/testutil"
)

func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("RAGCASCADE_STORE", "sqlite")
	t.Setenv("RAGCASCADE_SQLITE_PATH", path)
	return path
}

func TestRunUsageErrors(t *testing.T) {
	useSQLite(t)
	for name, args := range map[string][]string{
		"no command":      nil,
		"unknown command": {"explode"},
		"missing period":  {"recompute", "-root", "bo"},
		"bad flag":        {"snapshot", "-bogus"},
	} {
		t.Run(name, func(t *testing.T) {
			err := run(context.Background(), testutil.TestLogger(), args, &bytes.Buffer{})
			assert.ErrorIs(t, err, errUsage)
		})
	}
}

func TestLogLevel(t *testing.T) {
	useSQLite(t)
	for env, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"loud":  slog.LevelInfo,
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv("RAGCASCADE_LOG_LEVEL", env)
			assert.Equal(t, want, logLevel())
		})
	}
}

func TestRunRecomputeAndSnapshot(t *testing.T) {
	path := useSQLite(t)
	ctx := context.Background()

	app, err := ragcascade.New(ragcascade.WithSQLitePath(path), ragcascade.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	require.NoError(t, app.SaveHierarchy(ctx, []ragcascade.Node{
		{ID: "kr", Kind: ragcascade.KindKeyResult, Children: []string{"ind"}},
		{ID: "ind", Kind: ragcascade.KindIndicator},
	}))
	require.NoError(t, app.SetBands(ctx, "ind", []ragcascade.Band{{Label: "yes", Weight: 1}, {Label: "no", Weight: 0.2}}))
	require.NoError(t, app.SetLinks(ctx, "ind", "2026-09", []ragcascade.Link{{CustomerID: "acme", FeatureID: "sso"}}))
	require.NoError(t, app.SubmitScore(ctx, ragcascade.Score{
		IndicatorID: "ind", CustomerID: "acme", FeatureID: "sso", Period: "2026-09", BandLabel: "yes",
	}))
	require.NoError(t, app.Shutdown(ctx))

	var out bytes.Buffer
	require.NoError(t, run(ctx, testutil.TestLogger(), []string{"recompute", "-root", "kr", "-period", "2026-09"}, &out))
	var values map[string]ragcascade.NodeValue
	require.NoError(t, json.Unmarshal(out.Bytes(), &values))
	require.Contains(t, values, "kr")
	assert.Equal(t, ragcascade.StatusGreen, values["kr"].Status)

	out.Reset()
	require.NoError(t, run(ctx, testutil.TestLogger(), []string{"verify", "-node", "kr", "-period", "2026-09"}, &out))
	assert.JSONEq(t, `{"valid":true}`, out.String())

	out.Reset()
	require.NoError(t, run(ctx, testutil.TestLogger(), []string{"history", "-node", "ind", "-period", "2026-09"}, &out))
	var history []ragcascade.NodeValue
	require.NoError(t, json.Unmarshal(out.Bytes(), &history))
	assert.Len(t, history, 1)
}
