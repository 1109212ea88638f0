// Package pipeline drives the frame loop: it pulls frames from a
// source.Detector, advances the tracker, and hands each result to the
// configured sinks before reading the next frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/timeutil"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// FrameTracker is the part of tracking.Tracker the runner needs.
type FrameTracker interface {
	AdvanceFrame(measurements []tracking.Point) tracking.FrameResult
	Snapshot() []tracking.TrackSnapshot
}

// FrameRecord is everything a sink sees for one frame.
type FrameRecord struct {
	Frame  source.Frame
	Result tracking.FrameResult
	Live   []tracking.TrackSnapshot // live tracks after the frame
}

// Sink consumes frame records. WriteFrame is called from the runner's
// goroutine, one frame at a time.
type Sink interface {
	WriteFrame(ctx context.Context, rec FrameRecord) error
	Close() error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, rec FrameRecord) error

// WriteFrame calls f.
func (f SinkFunc) WriteFrame(ctx context.Context, rec FrameRecord) error { return f(ctx, rec) }

// Close does nothing.
func (f SinkFunc) Close() error { return nil }

// namer is implemented by sinks that want a readable name in errors.
type namer interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Summary describes a finished run.
type Summary struct {
	Frames        int
	EmptyFrames   int
	Measurements  int
	TracksCreated int
	TracksPruned  int
	Elapsed       time.Duration
}

// Runner owns the frame loop. It does not close the detector or sinks.
type Runner struct {
	Detector source.Detector
	Tracker  FrameTracker
	Sinks    []Sink

	// MaxFrames stops the run after this many frames; 0 is unbounded.
	MaxFrames int

	// Clock times the run; nil uses the wall clock.
	Clock timeutil.Clock
}

// Run processes frames until the detector reports io.EOF, a detection
// fails, a sink fails, or ctx is done. End of input is not an error.
func (r *Runner) Run(ctx context.Context) (sum Summary, err error) {
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	start := clock.Now()
	defer func() { sum.Elapsed = clock.Since(start) }()

	for r.MaxFrames <= 0 || sum.Frames < r.MaxFrames {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		frame, err := r.Detector.Next(ctx)
		if errors.Is(err, io.EOF) {
			monitoring.Opsf("end of input after %d frames", sum.Frames)
			return sum, nil
		}
		var de *source.DetectionError
		if errors.As(err, &de) {
			monitoring.Opsf("detector failed at frame %d: %s", de.Frame, de.Reason)
			return sum, fmt.Errorf("frame loop stopped: %w", err)
		}
		if err != nil {
			return sum, err
		}

		res := r.Tracker.AdvanceFrame(frame.Centroids)
		sum.Frames++
		sum.Measurements += len(frame.Centroids)
		sum.TracksPruned += len(res.Pruned)
		if res.Empty {
			sum.EmptyFrames++
		}
		for _, u := range res.Updates {
			if u.Created {
				sum.TracksCreated++
			}
		}
		monitoring.Tracef("frame %d: %d measurements, %d updates, %d pruned",
			frame.Index, len(frame.Centroids), len(res.Updates), len(res.Pruned))

		rec := FrameRecord{Frame: frame, Result: res, Live: r.Tracker.Snapshot()}
		for _, s := range r.Sinks {
			if err := s.WriteFrame(ctx, rec); err != nil {
				return sum, fmt.Errorf("sink %s: %w", sinkName(s), err)
			}
		}

		if sum.Frames%500 == 0 {
			monitoring.Diagf("processed %d frames, %d live tracks", sum.Frames, len(rec.Live))
		}
	}
	monitoring.Opsf("frame limit %d reached", r.MaxFrames)
	return sum, nil
}
