package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// DefaultAssetsHost serves the echarts JavaScript.
const DefaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ChartSink accumulates trajectories and renders them as an interactive
// HTML scatter chart. Path, when set, receives the chart on Close; Render
// and ServeHTTP serve the live chart while the run is in progress.
type ChartSink struct {
	Path       string
	AssetsHost string

	rec *Recorder
}

var _ pipeline.Sink = (*ChartSink)(nil)

// NewChartSink returns a chart sink. path may be empty.
func NewChartSink(path string, info source.StreamInfo) *ChartSink {
	rec := NewRecorder(info)
	rec.MaxPointsPerTrack = 2000
	return &ChartSink{Path: path, AssetsHost: DefaultAssetsHost, rec: rec}
}

// Recorder exposes the accumulated trajectories.
func (s *ChartSink) Recorder() *Recorder { return s.rec }

// Name identifies the sink in pipeline errors.
func (s *ChartSink) Name() string { return "chart" }

// WriteFrame records the frame's updates.
func (s *ChartSink) WriteFrame(_ context.Context, rec pipeline.FrameRecord) error {
	s.rec.Add(rec)
	return nil
}

// Render writes the chart HTML to w.
func (s *ChartSink) Render(w io.Writer) error {
	info := s.rec.Info()
	trajs := s.rec.Trajectories()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "blobtrack", Theme: "dark", Width: "1200px", Height: "800px", AssetsHost: s.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tracks", Subtitle: fmt.Sprintf("frames=%d tracks=%d", s.rec.Frames(), len(trajs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: 0, Max: maxOrNil(info.Width), Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: 0, Max: maxOrNil(info.Height), Name: "y (px)", NameLocation: "middle", NameGap: 35, Inverse: opts.Bool(true)}),
	)

	colors := generateColors(len(trajs))
	for i, tr := range trajs {
		c := hexColor(colors[i])
		scatter.AddSeries(tr.Label+" measured", scatterData(tr.Measured),
			charts.WithScatterChartOpts(opts.ScatterChart{Symbol: "circle", SymbolSize: 4}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: c}))
		scatter.AddSeries(tr.Label+" predicted", scatterData(tr.Predicted),
			charts.WithScatterChartOpts(opts.ScatterChart{Symbol: "triangle", SymbolSize: 5}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: c}))
		scatter.AddSeries(tr.Label, scatterData(tr.Corrected),
			charts.WithScatterChartOpts(opts.ScatterChart{Symbol: "diamond", SymbolSize: 6}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: c}))
	}
	return scatter.Render(w)
}

func maxOrNil(v int) interface{} {
	if v <= 0 {
		return nil
	}
	return v
}

func scatterData(pts []tracking.Point) []opts.ScatterData {
	data := make([]opts.ScatterData, len(pts))
	for i, p := range pts {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
	}
	return data
}

// ServeHTTP renders the current chart.
func (s *ChartSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// Close writes the chart to Path, if set.
func (s *ChartSink) Close() error {
	if s.Path == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := s.Render(&buf); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	if err := os.WriteFile(s.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write chart %s: %w", s.Path, err)
	}
	monitoring.Opsf("wrote trajectory chart to %s", s.Path)
	return nil
}
