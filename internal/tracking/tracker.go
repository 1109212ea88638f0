package tracking

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/blobtrack/internal/config"
	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/tracking/kalman"
)

// Config holds the parameters of a Tracker.
type Config struct {
	Filter          kalman.Params // parameters for every new track's filter
	GatingThreshold float64       // max distance (px) between a measurement and a prediction
}

// Validate reports whether c describes a usable tracker.
func (c Config) Validate() error {
	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if !(c.GatingThreshold > 0) {
		return fmt.Errorf("gating threshold must be positive, got %v", c.GatingThreshold)
	}
	return nil
}

// DefaultConfig returns tracker configuration loaded from the canonical
// tuning defaults file (config/tuning.defaults.json). Panics if the file
// cannot be found; intended for tests and tools.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig(), 0, 0, 0)
}

// ConfigFromTuning builds a Config from a loaded TuningConfig and the
// stream geometry announced by the frame source. Zero width, height or
// fps fall back to the tuning values.
func ConfigFromTuning(cfg *config.TuningConfig, width, height int, fps float64) Config {
	if width <= 0 {
		width = cfg.GetFrameWidth()
	}
	if height <= 0 {
		height = cfg.GetFrameHeight()
	}
	if fps <= 0 {
		fps = cfg.GetFPS()
	}
	gate, ok := cfg.GetGatingThreshold()
	if !ok {
		gate = GatingThreshold(width, height, cfg.GetGatingDivisor())
	}
	return Config{
		Filter: kalman.Params{
			DT:       1 / fps,
			ControlX: cfg.GetControlX(),
			ControlY: cfg.GetControlY(),
			StdAcc:   cfg.GetStdAcc(),
			StdMeasX: cfg.GetStdMeasX(),
			StdMeasY: cfg.GetStdMeasY(),
		},
		GatingThreshold: gate,
	}
}

// TrackUpdate describes how one measurement was absorbed in a frame.
type TrackUpdate struct {
	MeasurementIndex int
	TrackID          TrackID
	Serial           uint64
	Label            string
	Measured         Point
	Predicted        Point
	Corrected        Point
	Created          bool // the measurement spawned a new track
}

// FrameResult is the outcome of one Tracker cycle.
type FrameResult struct {
	Frame   uint64 // tracker cycle, counting every call including empty frames
	Updates []TrackUpdate
	Pruned  []TrackID
	Empty   bool // no measurements; tracks were left untouched
}

// TrackSnapshot is a read-only copy of a live track.
type TrackSnapshot struct {
	ID          TrackID
	Serial      uint64
	Label       string
	Position    Point
	Velocity    Point
	PositionStd Point // one-sigma position uncertainty per axis
	Matched     bool
	Hits        int
	FirstFrame  uint64
	LastFrame   uint64
}

// Stats counts tracker activity since construction.
type Stats struct {
	Frames        uint64
	EmptyFrames   uint64
	Measurements  uint64
	TracksCreated uint64
	TracksPruned  uint64
	LiveTracks    int
}

// Tracker runs the per-frame track lifecycle. Frames must be fed from a
// single goroutine; Snapshot and Stats may be called concurrently.
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	tracks *TrackSet
	serial uint64
	stats  Stats
}

// NewTracker returns a tracker with no live tracks. It panics if cfg is
// not valid.
func NewTracker(cfg Config) *Tracker {
	if err := cfg.Validate(); err != nil {
		panic("tracking: " + err.Error())
	}
	return &Tracker{cfg: cfg, tracks: NewTrackSet()}
}

// Config returns the tracker's configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Advance processes one frame and returns the per-measurement updates.
func (t *Tracker) Advance(measurements []Point) []TrackUpdate {
	return t.AdvanceFrame(measurements).Updates
}

// AdvanceFrame processes one frame of measurements.
//
// A frame with no measurements leaves every track untouched. Otherwise
// tracks that were not matched in the previous non-empty frame are pruned,
// survivors are predicted once, and each measurement in input order either
// updates the nearest gated prediction or spawns a new track. Tracks
// spawned in this frame are not candidates for later measurements.
func (t *Tracker) AdvanceFrame(measurements []Point) FrameResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Frames++
	res := FrameResult{Frame: t.stats.Frames}
	if len(measurements) == 0 {
		t.stats.EmptyFrames++
		res.Empty = true
		return res
	}
	t.stats.Measurements += uint64(len(measurements))

	res.Pruned = t.tracks.PruneUnmatched()
	t.stats.TracksPruned += uint64(len(res.Pruned))
	for _, id := range res.Pruned {
		monitoring.Tracef("frame %d: pruned track %s", res.Frame, id)
	}

	ids := t.tracks.IDs()
	predicted := make([]Point, len(ids))
	for i, id := range ids {
		tr, _ := t.tracks.Get(id)
		x, y := tr.Filter.Predict()
		predicted[i] = Point{X: x, Y: y}
	}
	t.tracks.ResetMatched()
	matches := Associate(predicted, measurements, t.cfg.GatingThreshold)

	res.Updates = make([]TrackUpdate, 0, len(measurements))
	for i, m := range measurements {
		var (
			tr      *Track
			pred    Point
			created bool
		)
		if j := matches[i]; j != NoMatch {
			tr, _ = t.tracks.Get(ids[j])
			pred = predicted[j]
		} else {
			tr = t.spawn(m, res.Frame)
			x, y := tr.Filter.Predict()
			pred = Point{X: x, Y: y}
			created = true
		}

		tr.Matched = true
		x, y := tr.Filter.Update(m.X, m.Y)
		tr.Hits++
		tr.LastFrame = res.Frame

		res.Updates = append(res.Updates, TrackUpdate{
			MeasurementIndex: i,
			TrackID:          tr.ID,
			Serial:           tr.Serial,
			Label:            tr.Label(),
			Measured:         m,
			Predicted:        pred,
			Corrected:        Point{X: x, Y: y},
			Created:          created,
		})
	}
	t.stats.LiveTracks = t.tracks.Len()
	return res
}

func (t *Tracker) spawn(m Point, frame uint64) *Track {
	t.serial++
	id := t.tracks.Insert(kalman.NewFilter(t.cfg.Filter, m.X, m.Y))
	tr, _ := t.tracks.Get(id)
	tr.Serial = t.serial
	tr.FirstFrame = frame
	t.stats.TracksCreated++
	monitoring.Tracef("frame %d: new %s at %s", frame, tr.Label(), m)
	return tr
}

// Lookup returns a snapshot of the track behind id, if it is still live.
func (t *Tracker) Lookup(id TrackID) (TrackSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.tracks.Get(id)
	if !ok {
		return TrackSnapshot{}, false
	}
	return snapshotOf(tr), true
}

// Snapshot returns a copy of every live track in insertion order.
func (t *Tracker) Snapshot() []TrackSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrackSnapshot, 0, t.tracks.Len())
	t.tracks.Each(func(tr *Track) {
		out = append(out, snapshotOf(tr))
	})
	return out
}

func snapshotOf(tr *Track) TrackSnapshot {
	x, y := tr.Filter.Position()
	vx, vy := tr.Filter.Velocity()
	cov := tr.Filter.Covariance()
	return TrackSnapshot{
		ID:          tr.ID,
		Serial:      tr.Serial,
		Label:       tr.Label(),
		Position:    Point{X: x, Y: y},
		Velocity:    Point{X: vx, Y: vy},
		PositionStd: Point{X: math.Sqrt(cov.At(0, 0)), Y: math.Sqrt(cov.At(1, 1))},
		Matched:     tr.Matched,
		Hits:        tr.Hits,
		FirstFrame:  tr.FirstFrame,
		LastFrame:   tr.LastFrame,
	}
}

// Stats returns the activity counters.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.stats
	s.LiveTracks = t.tracks.Len()
	return s
}
