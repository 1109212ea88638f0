package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
	"github.com/banshee-data/blobtrack/internal/tracking/kalman"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() tracking.Config {
	return tracking.Config{
		Filter:          kalman.Params{DT: 1.0 / 30, ControlX: 1, ControlY: 1, StdAcc: 1, StdMeasX: 0.1, StdMeasY: 0.1},
		GatingThreshold: tracking.GatingThreshold(800, 600, 24),
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := setupTestStore(t)

	version, dirty, err := store.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, store.MigrateUp())

	for _, table := range []string{"runs", "tracks", "observations"} {
		var name string
		err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, Run{ID: "r1", StartedAt: time.Unix(10, 0), Source: "test"}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	r, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "test", r.Source)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Nil(t, r.FinishedAt)
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, Run{ID: "old", StartedAt: time.Unix(100, 0), Source: "a"}))
	require.NoError(t, store.CreateRun(ctx, Run{ID: "new", StartedAt: time.Unix(200, 0), Source: "b", FrameWidth: 800, FrameHeight: 600, FPS: 30}))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, 800, runs[0].FrameWidth)

	finished := time.Unix(300, 0)
	require.NoError(t, store.FinishRun(ctx, "new", 42, StatusCompleted, finished))
	r, err := store.GetRun(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 42, r.Frames)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.FinishedAt)
	assert.True(t, r.FinishedAt.Equal(finished))

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.FinishRun(ctx, "missing", 0, StatusFailed, finished), ErrNotFound)
}

func TestRunSinkRecordsScenario(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cfg := testConfig()

	sink, err := NewRunSink(ctx, store, RunOptions{
		Source: "test",
		Info:   source.StreamInfo{Width: 800, Height: 600, FPS: 30},
		Config: cfg,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sink.RunID())

	tr := tracking.NewTracker(cfg)
	frames := []source.Frame{
		{Index: 1, Timestamp: time.Unix(0, 1000), Centroids: []tracking.Point{{X: 10, Y: 10}}},
		{Index: 2, Centroids: []tracking.Point{{X: 15, Y: 12}}},
		{Index: 3},
		{Index: 4, Centroids: []tracking.Point{{X: 500, Y: 500}}},
		{Index: 5, Centroids: []tracking.Point{{X: 501, Y: 501}}},
	}
	for _, f := range frames {
		res := tr.AdvanceFrame(f.Centroids)
		require.NoError(t, sink.WriteFrame(ctx, pipeline.FrameRecord{Frame: f, Result: res, Live: tr.Snapshot()}))
	}
	require.NoError(t, sink.Close())

	run, err := store.GetRun(ctx, sink.RunID())
	require.NoError(t, err)
	assert.Equal(t, 5, run.Frames)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.InDelta(t, cfg.GatingThreshold, run.GatingThreshold, 1e-9)
	var params tracking.Config
	require.NoError(t, json.Unmarshal([]byte(run.ParamsJSON), &params))
	assert.Equal(t, cfg, params)

	tracks, err := store.Tracks(ctx, sink.RunID())
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "Track 1", tracks[0].Label)
	assert.Equal(t, 2, tracks[0].Hits)
	assert.Equal(t, uint64(1), tracks[0].FirstFrame)
	assert.Equal(t, uint64(2), tracks[0].LastFrame)
	require.NotNil(t, tracks[0].PrunedFrame)
	assert.Equal(t, uint64(5), *tracks[0].PrunedFrame)
	assert.Equal(t, 2, tracks[1].Hits)
	assert.Nil(t, tracks[1].PrunedFrame)

	obs, err := store.Observations(ctx, sink.RunID(), 0)
	require.NoError(t, err)
	require.Len(t, obs, 4)
	assert.True(t, obs[0].Created)
	assert.Equal(t, int64(1000), obs[0].TimestampNanos)
	assert.Equal(t, tracking.Pt(10, 10), obs[0].Measured)
	assert.False(t, obs[1].Created)
	assert.Equal(t, uint64(4), obs[2].SourceFrame)

	first, err := store.Observations(ctx, sink.RunID(), 1)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, tracking.Pt(15, 12), first[1].Measured)
	assert.InDelta(t, 10, first[0].Corrected.X, 1e-4)
}

func TestRunSinkMarkFailed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sink, err := NewRunSink(ctx, store, RunOptions{Source: "test", Config: testConfig()})
	require.NoError(t, err)

	sink.MarkFailed("camera unplugged")
	require.NoError(t, sink.Close())

	run, err := store.GetRun(ctx, sink.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
}
