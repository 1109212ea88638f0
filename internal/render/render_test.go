package render

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
	"github.com/banshee-data/blobtrack/internal/tracking/kalman"
)

func testTracker() *tracking.Tracker {
	return tracking.NewTracker(tracking.Config{
		Filter:          kalman.Params{DT: 1.0 / 30, ControlX: 1, ControlY: 1, StdAcc: 1, StdMeasX: 0.1, StdMeasY: 0.1},
		GatingThreshold: tracking.GatingThreshold(640, 480, 24),
	})
}

// feed runs a short two-object scene through tr into each sink.
func feed(t *testing.T, sinks ...pipeline.Sink) {
	t.Helper()
	tr := testTracker()
	for i := 0; i < 20; i++ {
		x := float64(10 + 5*i)
		pts := []tracking.Point{{X: x, Y: 100}, {X: 600 - x, Y: 400}}
		res := tr.AdvanceFrame(pts)
		rec := pipeline.FrameRecord{Frame: source.Frame{Index: uint64(i + 1), Centroids: pts}, Result: res, Live: tr.Snapshot()}
		for _, s := range sinks {
			require.NoError(t, s.WriteFrame(context.Background(), rec))
		}
	}
}

func TestRecorderGroupsByTrack(t *testing.T) {
	rec := NewRecorder(source.StreamInfo{Width: 640, Height: 480})
	feed(t, pipeline.SinkFunc(func(_ context.Context, r pipeline.FrameRecord) error {
		rec.Add(r)
		return nil
	}))

	trajs := rec.Trajectories()
	require.Len(t, trajs, 2)
	assert.Equal(t, uint64(1), trajs[0].Serial)
	assert.Equal(t, "Track 1", trajs[0].Label)
	assert.Len(t, trajs[0].Measured, 20)
	assert.Len(t, trajs[0].Predicted, 20)
	assert.Len(t, trajs[0].Corrected, 20)
	assert.Equal(t, tracking.Pt(10, 100), trajs[0].Measured[0])
	assert.Equal(t, uint64(20), rec.Frames())

	// Returned slices are copies.
	trajs[0].Measured[0] = tracking.Pt(-1, -1)
	assert.Equal(t, tracking.Pt(10, 100), rec.Trajectories()[0].Measured[0])
}

func TestRecorderCapsPoints(t *testing.T) {
	rec := NewRecorder(source.StreamInfo{})
	rec.MaxPointsPerTrack = 5
	feed(t, pipeline.SinkFunc(func(_ context.Context, r pipeline.FrameRecord) error {
		rec.Add(r)
		return nil
	}))

	for _, tr := range rec.Trajectories() {
		assert.Len(t, tr.Measured, 5)
		assert.Len(t, tr.Corrected, 5)
	}
	assert.Equal(t, tracking.Pt(105, 100), rec.Trajectories()[0].Measured[4])
}

func TestPlotSinkWritesImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracks.png")
	sink := NewPlotSink(path, source.StreamInfo{Width: 640, Height: 480})
	feed(t, sink)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), "expected a PNG header")
}

func TestPlotSinkRenderSVG(t *testing.T) {
	sink := NewPlotSink("", source.StreamInfo{Width: 640, Height: 480})
	feed(t, sink)

	var buf bytes.Buffer
	require.NoError(t, sink.Render(&buf, "svg"))
	assert.Contains(t, buf.String(), "<svg")
}

func TestPlotSinkEmptyRun(t *testing.T) {
	sink := NewPlotSink(filepath.Join(t.TempDir(), "empty.png"), source.StreamInfo{})
	require.NoError(t, sink.Close())
}

func TestChartSinkRender(t *testing.T) {
	sink := NewChartSink("", source.StreamInfo{Width: 640, Height: 480})
	feed(t, sink)

	var buf bytes.Buffer
	require.NoError(t, sink.Render(&buf))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "Track 1")
	assert.Contains(t, html, "Track 2 predicted")
}

func TestChartSinkClose(t *testing.T) {
	// Without a path Close is a no-op.
	require.NoError(t, NewChartSink("", source.StreamInfo{}).Close())

	path := filepath.Join(t.TempDir(), "tracks.html")
	sink := NewChartSink(path, source.StreamInfo{Width: 640, Height: 480})
	feed(t, sink)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "<html"))
}

func TestColors(t *testing.T) {
	assert.Nil(t, generateColors(0))
	cs := generateColors(3)
	require.Len(t, cs, 3)
	assert.NotEqual(t, cs[0], cs[1])

	r, g, b := hslToRGB(0, 0, 0.5)
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)

	r, g, b = hslToRGB(0, 1, 0.5)
	assert.Equal(t, uint8(255), r)
	assert.Equal(t, uint8(0), g)
	assert.Equal(t, uint8(0), b)

	assert.Equal(t, "#ff0000", hexColor(color.RGBA{R: 255, A: 255}))
	assert.Equal(t, "#0a0b0c", hexColor(color.RGBA{R: 10, G: 11, B: 12, A: 255}))
}
