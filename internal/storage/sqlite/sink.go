package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// RunOptions describes the run a RunSink records.
type RunOptions struct {
	Source string // e.g. "file:frames.jsonl"
	Info   source.StreamInfo
	Config tracking.Config
}

// RunSink is a pipeline.Sink that persists every frame of one run.
type RunSink struct {
	store   *Store
	runID   string
	frames  uint64
	status  string
	serials map[tracking.TrackID]uint64
}

var _ pipeline.Sink = (*RunSink)(nil)

// NewRunSink creates a run row and returns a sink recording into it. The
// sink does not own store.
func NewRunSink(ctx context.Context, store *Store, opts RunOptions) (*RunSink, error) {
	params, err := json.Marshal(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("encode run params: %w", err)
	}
	run := Run{
		ID:              uuid.NewString(),
		StartedAt:       time.Now(),
		Source:          opts.Source,
		FrameWidth:      opts.Info.Width,
		FrameHeight:     opts.Info.Height,
		FPS:             opts.Info.FPS,
		GatingThreshold: opts.Config.GatingThreshold,
		ParamsJSON:      string(params),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	monitoring.Opsf("recording run %s to %s", run.ID, store.Path())
	return &RunSink{
		store:   store,
		runID:   run.ID,
		status:  StatusCompleted,
		serials: make(map[tracking.TrackID]uint64),
	}, nil
}

// RunID returns the ID of the run being recorded.
func (s *RunSink) RunID() string { return s.runID }

// Name identifies the sink in pipeline errors.
func (s *RunSink) Name() string { return "sqlite" }

// WriteFrame persists one frame.
func (s *RunSink) WriteFrame(ctx context.Context, rec pipeline.FrameRecord) error {
	s.frames = rec.Result.Frame
	if rec.Result.Empty {
		_, err := s.store.db.ExecContext(ctx, `UPDATE runs SET frames = ? WHERE run_id = ?`, s.frames, s.runID)
		return err
	}

	var pruned []uint64
	for _, id := range rec.Result.Pruned {
		if serial, ok := s.serials[id]; ok {
			pruned = append(pruned, serial)
			delete(s.serials, id)
		}
	}
	for _, u := range rec.Result.Updates {
		s.serials[u.TrackID] = u.Serial
	}
	return s.store.RecordFrame(ctx, s.runID, rec.Frame, rec.Result, pruned)
}

// MarkFailed makes Close record the run as failed.
func (s *RunSink) MarkFailed(reason string) {
	s.status = StatusFailed
	monitoring.Opsf("run %s failed: %s", s.runID, reason)
}

// Close finalises the run row.
func (s *RunSink) Close() error {
	return s.store.FinishRun(context.Background(), s.runID, int(s.frames), s.status, time.Now())
}
