package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/render"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/storage/sqlite"
	"github.com/banshee-data/blobtrack/internal/stream"
	"github.com/banshee-data/blobtrack/internal/tracking"
	"github.com/banshee-data/blobtrack/internal/tracking/kalman"
)

// loopbackRequest sets RemoteAddr to loopback so that tsweb allows access
// to /debug/ pages.
func loopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

type fakeStream struct{ stats stream.PublisherStats }

func (f fakeStream) Stats() stream.PublisherStats { return f.stats }

type fixture struct {
	tracker *tracking.Tracker
	chart   *render.ChartSink
	store   *sqlite.Store
	runID   string
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := tracking.Config{
		Filter:          kalman.Params{DT: 1.0 / 30, ControlX: 1, ControlY: 1, StdAcc: 1, StdMeasX: 0.1, StdMeasY: 0.1},
		GatingThreshold: 40,
	}
	info := source.StreamInfo{Width: 640, Height: 480, FPS: 30}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	runSink, err := sqlite.NewRunSink(ctx, store, sqlite.RunOptions{Source: "test", Info: info, Config: cfg})
	require.NoError(t, err)

	tr := tracking.NewTracker(cfg)
	chart := render.NewChartSink("", info)
	for i := 0; i < 5; i++ {
		pts := []tracking.Point{{X: float64(50 + 3*i), Y: 60}, {X: 400, Y: float64(300 - 2*i)}}
		res := tr.AdvanceFrame(pts)
		rec := pipeline.FrameRecord{Frame: source.Frame{Index: uint64(i + 1), Centroids: pts}, Result: res, Live: tr.Snapshot()}
		require.NoError(t, chart.WriteFrame(ctx, rec))
		require.NoError(t, runSink.WriteFrame(ctx, rec))
	}
	require.NoError(t, runSink.Close())

	ws, err := NewWebServer(WebServerConfig{
		Address: "localhost:0",
		Source:  "synthetic",
		Tracks:  tr,
		Chart:   chart,
		Store:   store,
		Stream:  fakeStream{stats: stream.PublisherStats{FrameCount: 5, ClientCount: 2, Running: true}},
	})
	require.NoError(t, err)
	return &fixture{tracker: tr, chart: chart, store: store, runID: runSink.RunID(), handler: ws.Handler()}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, loopbackRequest(http.MethodGet, target))
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"version":"dev"`)
}

func TestTracksEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/tracks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var tracks []trackResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tracks))
	require.Len(t, tracks, 2)
	assert.Equal(t, "Track 1", tracks[0].Label)
	assert.Equal(t, 5, tracks[0].Hits)
	assert.True(t, tracks[0].Matched)
	assert.NotEmpty(t, tracks[0].ID)

	// The estimate lags a steadily moving object: it sits between the last
	// two measurements (x=59, x=62) rather than on the latest one.
	want := f.tracker.Snapshot()[0]
	assert.Equal(t, [2]float64{want.Position.X, want.Position.Y}, tracks[0].Position)
	assert.Greater(t, tracks[0].Position[0], 59.0)
	assert.Less(t, tracks[0].Position[0], 62.0)
	assert.Greater(t, tracks[0].PositionStd[0], 0.0)
	assert.Less(t, tracks[0].PositionStd[0], 1.0)
}

func TestTrackEndpoint(t *testing.T) {
	f := newFixture(t)
	snap := f.tracker.Snapshot()[1]

	w := f.get(t, "/api/tracks/"+snap.ID.String())
	require.Equal(t, http.StatusOK, w.Code)
	var got trackResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "Track 2", got.Label)
	assert.Equal(t, snap.ID.String(), got.ID)

	tests := []struct {
		id   string
		code int
	}{
		{"abc", http.StatusBadRequest},
		{"0.0", http.StatusBadRequest},
		{"1.2x", http.StatusBadRequest},
		{"7.1", http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, f.get(t, "/api/tracks/"+tt.id).Code, tt.id)
	}
}

func TestTrackEndpointPrunedTrack(t *testing.T) {
	f := newFixture(t)
	gone := f.tracker.Snapshot()[1].ID

	// Only the first object is seen, so the second track is pruned on the
	// following non-empty frame and a new track may reuse its slot.
	f.tracker.AdvanceFrame([]tracking.Point{{X: 65, Y: 60}})
	f.tracker.AdvanceFrame([]tracking.Point{{X: 68, Y: 60}, {X: 10, Y: 450}})

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/tracks/"+gone.String()).Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var st statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, uint64(5), st.Frames)
	assert.Equal(t, uint64(10), st.Measurements)
	assert.Equal(t, uint64(2), st.TracksCreated)
	assert.Equal(t, 2, st.LiveTracks)
	require.NotNil(t, st.Stream)
	assert.Equal(t, int32(2), st.Stream.ClientCount)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/tracks", "/api/stats", "/api/runs", "/api/runs/tracks"} {
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestRunsEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []runResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, f.runID, runs[0].ID)
	assert.Equal(t, 5, runs[0].Frames)
	assert.Equal(t, sqlite.StatusCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)

	w = f.get(t, "/api/runs/tracks?run_id="+f.runID)
	require.Equal(t, http.StatusOK, w.Code)
	var tracks []runTrackResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tracks))
	require.Len(t, tracks, 2)
	assert.Equal(t, 5, tracks[1].Hits)

	tests := []struct {
		target string
		code   int
	}{
		{"/api/runs?limit=0", http.StatusBadRequest},
		{"/api/runs?limit=abc", http.StatusBadRequest},
		{"/api/runs?limit=1", http.StatusOK},
		{"/api/runs/tracks", http.StatusBadRequest},
		{"/api/runs/tracks?run_id=missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, f.get(t, tt.target).Code, tt.target)
	}
}

func TestChartEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/chart")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Track 2")
}

func TestStatusPage(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "source: synthetic")
	assert.Contains(t, body, "Track 1")
	assert.Contains(t, body, `href="/chart"`)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/nope").Code)
}

func TestDebugRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/debug/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tailsql")

	w = f.get(t, "/debug/tailsql/")
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}

func TestMinimalServer(t *testing.T) {
	tr := tracking.NewTracker(tracking.DefaultConfig())
	ws, err := NewWebServer(WebServerConfig{Address: "localhost:0", Tracks: tr})
	require.NoError(t, err)

	for path, code := range map[string]int{
		"/api/stats": http.StatusOK,
		"/api/runs":  http.StatusNotFound,
		"/chart":     http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		ws.Handler().ServeHTTP(w, loopbackRequest(http.MethodGet, path))
		assert.Equal(t, code, w.Code, path)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	ws, err := NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Tracks: tracking.NewTracker(tracking.DefaultConfig())})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
