package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/tracking"
)

// TrackRecord is the persisted summary of one track.
type TrackRecord struct {
	RunID       string
	Serial      uint64
	Label       string
	FirstFrame  uint64
	LastFrame   uint64
	Hits        int
	PrunedFrame *uint64
}

// Observation is one absorbed measurement.
type Observation struct {
	RunID            string
	Frame            uint64 // tracker cycle
	SourceFrame      uint64
	MeasurementIndex int
	TimestampNanos   int64
	Serial           uint64
	Created          bool
	Measured         tracking.Point
	Predicted        tracking.Point
	Corrected        tracking.Point
}

// RecordFrame stores the updates of one frame in a single transaction.
// pruned lists the serials of tracks pruned at the start of the frame.
func (s *Store) RecordFrame(ctx context.Context, runID string, frame source.Frame, res tracking.FrameResult, pruned []uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin frame tx: %w", err)
	}
	defer tx.Rollback()

	var ts sql.NullInt64
	if !frame.Timestamp.IsZero() {
		ts = sql.NullInt64{Int64: frame.Timestamp.UnixNano(), Valid: true}
	}

	for _, serial := range pruned {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tracks SET pruned_frame = ? WHERE run_id = ? AND serial = ?`,
			res.Frame, runID, serial); err != nil {
			return fmt.Errorf("mark pruned track %d: %w", serial, err)
		}
	}

	for _, u := range res.Updates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracks (run_id, serial, label, first_frame, last_frame, hits)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT (run_id, serial) DO UPDATE SET
				last_frame = excluded.last_frame,
				hits = tracks.hits + 1`,
			runID, u.Serial, u.Label, res.Frame, res.Frame); err != nil {
			return fmt.Errorf("upsert track %d: %w", u.Serial, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observations (run_id, frame, measurement_index, source_frame, ts_unix_nanos,
				serial, created, measured_x, measured_y, predicted_x, predicted_y, corrected_x, corrected_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, res.Frame, u.MeasurementIndex, frame.Index, ts, u.Serial, u.Created,
			u.Measured.X, u.Measured.Y, u.Predicted.X, u.Predicted.Y, u.Corrected.X, u.Corrected.Y); err != nil {
			return fmt.Errorf("insert observation %d/%d: %w", res.Frame, u.MeasurementIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET frames = ? WHERE run_id = ?`, res.Frame, runID); err != nil {
		return fmt.Errorf("update run frames: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frame tx: %w", err)
	}
	return nil
}

// Tracks returns the tracks of a run ordered by serial.
func (s *Store) Tracks(ctx context.Context, runID string) ([]TrackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, serial, label, first_frame, last_frame, hits, pruned_frame
		FROM tracks WHERE run_id = ? ORDER BY serial`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var (
			t      TrackRecord
			pruned sql.NullInt64
		)
		if err := rows.Scan(&t.RunID, &t.Serial, &t.Label, &t.FirstFrame, &t.LastFrame, &t.Hits, &pruned); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		if pruned.Valid {
			f := uint64(pruned.Int64)
			t.PrunedFrame = &f
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Observations returns the observations of a run in frame order. A zero
// serial returns every track's observations.
func (s *Store) Observations(ctx context.Context, runID string, serial uint64) ([]Observation, error) {
	query := `
		SELECT run_id, frame, source_frame, measurement_index, ts_unix_nanos, serial, created,
			measured_x, measured_y, predicted_x, predicted_y, corrected_x, corrected_y
		FROM observations WHERE run_id = ?`
	args := []any{runID}
	if serial != 0 {
		query += ` AND serial = ?`
		args = append(args, serial)
	}
	query += ` ORDER BY frame, measurement_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			o  Observation
			ts sql.NullInt64
		)
		if err := rows.Scan(&o.RunID, &o.Frame, &o.SourceFrame, &o.MeasurementIndex, &ts, &o.Serial, &o.Created,
			&o.Measured.X, &o.Measured.Y, &o.Predicted.X, &o.Predicted.Y, &o.Corrected.X, &o.Corrected.Y); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.TimestampNanos = ts.Int64
		out = append(out, o)
	}
	return out, rows.Err()
}
