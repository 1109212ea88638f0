// Package source provides frame sources for the tracker: each one yields
// per-frame centroid measurements produced by an upstream detector.
//
// Implementations read the newline-delimited JSON wire format from files,
// serial ports, UDP datagrams and pcap captures, or generate synthetic
// scenes.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/blobtrack/internal/tracking"
)

// Frame is one detector output: the centroids seen in a single image.
type Frame struct {
	Index     uint64
	Timestamp time.Time
	Centroids []tracking.Point
}

// StreamInfo describes the frames a source produces. Zero fields are
// unknown and fall back to configuration.
type StreamInfo struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// Merge returns i with every non-zero field of h applied.
func (i StreamInfo) Merge(h StreamInfo) StreamInfo {
	if h.Width > 0 {
		i.Width = h.Width
	}
	if h.Height > 0 {
		i.Height = h.Height
	}
	if h.FPS > 0 {
		i.FPS = h.FPS
	}
	return i
}

// Detector yields frames in order. Next returns io.EOF at the end of the
// input and a *DetectionError when the upstream detector failed.
type Detector interface {
	Next(ctx context.Context) (Frame, error)
	Info() StreamInfo
	Close() error
}

// DetectionError reports that measurements for a frame could not be
// produced.
type DetectionError struct {
	Frame  uint64
	Reason string
	Err    error
}

func (e *DetectionError) Error() string {
	msg := fmt.Sprintf("detection failed at frame %d: %s", e.Frame, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DetectionError) Unwrap() error { return e.Err }
