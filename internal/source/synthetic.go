package source

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/blobtrack/internal/tracking"
)

// SyntheticConfig describes a generated scene of objects bouncing inside
// the frame.
type SyntheticConfig struct {
	Width, Height int
	FPS           float64
	Objects       int     // number of moving objects
	Frames        int     // frames to emit before io.EOF; 0 is unbounded
	SpeedPx       float64 // pixels per frame
	NoiseStd      float64 // Gaussian measurement noise (px)
	DropRate      float64 // probability that an object is not detected in a frame
	Seed          int64
	Start         time.Time // timestamp of frame 1; zero uses the Unix epoch
}

// DefaultSyntheticConfig returns a small deterministic scene.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:    1280,
		Height:   720,
		FPS:      30,
		Objects:  4,
		Frames:   300,
		SpeedPx:  4,
		NoiseStd: 0.5,
		Seed:     1,
	}
}

type syntheticObject struct {
	pos, vel tracking.Point
}

// SyntheticSource generates frames from a SyntheticConfig. The same
// config always yields the same frames.
type SyntheticSource struct {
	cfg     SyntheticConfig
	rng     *rand.Rand
	objects []syntheticObject
	frame   uint64
}

// NewSynthetic returns a generator for cfg.
func NewSynthetic(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	objs := make([]syntheticObject, cfg.Objects)
	for i := range objs {
		angle := rng.Float64() * 2 * math.Pi
		objs[i] = syntheticObject{
			pos: tracking.Point{
				X: float64(cfg.Width) * (0.1 + 0.8*rng.Float64()),
				Y: float64(cfg.Height) * (0.1 + 0.8*rng.Float64()),
			},
			vel: tracking.Point{X: cfg.SpeedPx * math.Cos(angle), Y: cfg.SpeedPx * math.Sin(angle)},
		}
	}
	return &SyntheticSource{cfg: cfg, rng: rng, objects: objs}
}

// Info returns the configured geometry.
func (s *SyntheticSource) Info() StreamInfo {
	return StreamInfo{Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS}
}

// Next advances the scene by one frame.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.cfg.Frames > 0 && s.frame >= uint64(s.cfg.Frames) {
		return Frame{}, io.EOF
	}
	s.frame++

	f := Frame{
		Index:     s.frame,
		Timestamp: s.timestamp(s.frame),
		Centroids: make([]tracking.Point, 0, len(s.objects)),
	}
	for i := range s.objects {
		o := &s.objects[i]
		if s.frame > 1 {
			o.pos.X, o.vel.X = bounce(o.pos.X+o.vel.X, o.vel.X, float64(s.cfg.Width))
			o.pos.Y, o.vel.Y = bounce(o.pos.Y+o.vel.Y, o.vel.Y, float64(s.cfg.Height))
		}
		// Draw noise and drop decisions for every object so the stream
		// stays aligned regardless of DropRate.
		nx, ny := s.rng.NormFloat64()*s.cfg.NoiseStd, s.rng.NormFloat64()*s.cfg.NoiseStd
		if s.rng.Float64() < s.cfg.DropRate {
			continue
		}
		f.Centroids = append(f.Centroids, tracking.Point{X: o.pos.X + nx, Y: o.pos.Y + ny})
	}
	return f, nil
}

// Truth returns the noiseless object positions of the last frame.
func (s *SyntheticSource) Truth() []tracking.Point {
	out := make([]tracking.Point, len(s.objects))
	for i, o := range s.objects {
		out[i] = o.pos
	}
	return out
}

func (s *SyntheticSource) timestamp(frame uint64) time.Time {
	start := s.cfg.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return start.Add(time.Duration(float64(frame-1) / s.cfg.FPS * float64(time.Second)))
}

// bounce reflects p back into [0, limit].
func bounce(p, v, limit float64) (float64, float64) {
	switch {
	case p < 0:
		return -p, -v
	case p > limit:
		return 2*limit - p, -v
	}
	return p, v
}

// Close is a no-op.
func (s *SyntheticSource) Close() error { return nil }
