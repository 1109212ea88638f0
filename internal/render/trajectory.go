// Package render draws the annotated output of a run: for every absorbed
// measurement the measured, predicted and corrected positions, grouped by
// track. PlotSink writes a static image (gonum/plot); ChartSink produces an
// interactive HTML chart (go-echarts).
package render

import (
	"fmt"
	"image/color"
	"sort"
	"sync"

	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// Trajectory is the annotated history of one track.
type Trajectory struct {
	Serial    uint64
	Label     string
	Measured  []tracking.Point
	Predicted []tracking.Point
	Corrected []tracking.Point
}

// Recorder accumulates trajectories from frame records. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	tracks map[uint64]*Trajectory
	info   source.StreamInfo
	frames uint64

	// MaxPointsPerTrack caps each trajectory, dropping the oldest points.
	// Zero keeps everything.
	MaxPointsPerTrack int
}

// NewRecorder returns an empty recorder for a stream of the given size.
func NewRecorder(info source.StreamInfo) *Recorder {
	return &Recorder{tracks: make(map[uint64]*Trajectory), info: info}
}

// Add records every update of rec.
func (r *Recorder) Add(rec pipeline.FrameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = rec.Result.Frame
	for _, u := range rec.Result.Updates {
		tr, ok := r.tracks[u.Serial]
		if !ok {
			tr = &Trajectory{Serial: u.Serial, Label: u.Label}
			r.tracks[u.Serial] = tr
		}
		tr.Measured = appendCapped(tr.Measured, u.Measured, r.MaxPointsPerTrack)
		tr.Predicted = appendCapped(tr.Predicted, u.Predicted, r.MaxPointsPerTrack)
		tr.Corrected = appendCapped(tr.Corrected, u.Corrected, r.MaxPointsPerTrack)
	}
}

func appendCapped(s []tracking.Point, p tracking.Point, max int) []tracking.Point {
	s = append(s, p)
	if max > 0 && len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// Trajectories returns copies of all trajectories ordered by serial.
func (r *Recorder) Trajectories() []Trajectory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Trajectory, 0, len(r.tracks))
	for _, tr := range r.tracks {
		out = append(out, Trajectory{
			Serial:    tr.Serial,
			Label:     tr.Label,
			Measured:  append([]tracking.Point(nil), tr.Measured...),
			Predicted: append([]tracking.Point(nil), tr.Predicted...),
			Corrected: append([]tracking.Point(nil), tr.Corrected...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Frames returns the last tracker cycle recorded.
func (r *Recorder) Frames() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frames
}

// Info returns the stream geometry used for axis ranges.
func (r *Recorder) Info() source.StreamInfo { return r.info }

// generateColors returns n evenly spaced hues.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}

func hexColor(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}
