package render

import (
	"context"
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// PlotSink draws every trajectory of a run into a single image, written
// to Path on Close. The format follows the extension (.png, .svg, .pdf).
type PlotSink struct {
	Path          string
	Width, Height vg.Length

	rec *Recorder
}

var _ pipeline.Sink = (*PlotSink)(nil)

// NewPlotSink returns a sink writing to path.
func NewPlotSink(path string, info source.StreamInfo) *PlotSink {
	return &PlotSink{Path: path, Width: 14 * vg.Inch, Height: 8 * vg.Inch, rec: NewRecorder(info)}
}

// Recorder exposes the accumulated trajectories.
func (s *PlotSink) Recorder() *Recorder { return s.rec }

// Name identifies the sink in pipeline errors.
func (s *PlotSink) Name() string { return "plot" }

// WriteFrame records the frame's updates.
func (s *PlotSink) WriteFrame(_ context.Context, rec pipeline.FrameRecord) error {
	s.rec.Add(rec)
	return nil
}

// Close renders and saves the image.
func (s *PlotSink) Close() error {
	p, err := BuildPlot(s.rec)
	if err != nil {
		return err
	}
	if err := p.Save(s.Width, s.Height, s.Path); err != nil {
		return fmt.Errorf("save plot %s: %w", s.Path, err)
	}
	monitoring.Opsf("wrote trajectory plot to %s", s.Path)
	return nil
}

// Render renders the image in the given format ("png", "svg", ...) to w.
func (s *PlotSink) Render(w io.Writer, format string) error {
	p, err := BuildPlot(s.rec)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(s.Width, s.Height, format)
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// BuildPlot lays out the trajectories of r in image coordinates: measured
// positions as dots, predictions as crosses, and the corrected path as a
// line per track.
func BuildPlot(r *Recorder) (*plot.Plot, error) {
	info := r.Info()
	trajs := r.Trajectories()

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tracks (%d frames, %d tracks)", r.Frames(), len(trajs))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	if info.Width > 0 && info.Height > 0 {
		p.X.Min, p.X.Max = 0, float64(info.Width)
		p.Y.Min, p.Y.Max = 0, float64(info.Height)
	}
	p.Add(plotter.NewGrid())

	colors := generateColors(len(trajs))
	for i, tr := range trajs {
		measured, err := plotter.NewScatter(toXYs(tr.Measured))
		if err != nil {
			return nil, fmt.Errorf("%s measured: %w", tr.Label, err)
		}
		measured.GlyphStyle.Color = colors[i]
		measured.GlyphStyle.Shape = draw.CircleGlyph{}
		measured.GlyphStyle.Radius = vg.Points(1.5)

		predicted, err := plotter.NewScatter(toXYs(tr.Predicted))
		if err != nil {
			return nil, fmt.Errorf("%s predicted: %w", tr.Label, err)
		}
		predicted.GlyphStyle.Color = colors[i]
		predicted.GlyphStyle.Shape = draw.CrossGlyph{}
		predicted.GlyphStyle.Radius = vg.Points(2)

		corrected, err := plotter.NewLine(toXYs(tr.Corrected))
		if err != nil {
			return nil, fmt.Errorf("%s corrected: %w", tr.Label, err)
		}
		corrected.Color = colors[i]
		corrected.Width = vg.Points(1)

		p.Add(measured, predicted, corrected)
		p.Legend.Add(tr.Label, corrected)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func toXYs(pts []tracking.Point) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return xys
}
