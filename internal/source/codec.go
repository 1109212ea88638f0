package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/banshee-data/blobtrack/internal/tracking"
)

// wireMessage is one line (or datagram) of the frame wire format:
//
//	{"stream": {"width": 1280, "height": 720, "fps": 30}}
//	{"frame": 1, "ts_unix_nanos": 0, "centroids": [[10, 10], [400, 300]]}
//	{"frame": 2, "error": "camera read failed"}
type wireMessage struct {
	Stream      *StreamInfo `json:"stream,omitempty"`
	Frame       *uint64     `json:"frame,omitempty"`
	TSUnixNanos int64       `json:"ts_unix_nanos,omitempty"`
	Centroids   [][]float64 `json:"centroids,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// message is a decoded wireMessage; exactly one field is set.
type message struct {
	info  *StreamInfo
	frame *Frame
	fail  *DetectionError
}

var errEmptyMessage = errors.New("message has neither stream, frame nor error")

// decodeMessage parses one wire message. index numbers frames that do not
// carry their own "frame" field.
func decodeMessage(data []byte, index uint64) (message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return message{}, fmt.Errorf("decode frame message: %w", err)
	}
	if w.Stream != nil {
		if w.Stream.Width < 0 || w.Stream.Height < 0 || w.Stream.FPS < 0 {
			return message{}, fmt.Errorf("stream header has negative field: %+v", *w.Stream)
		}
		return message{info: w.Stream}, nil
	}
	if w.Frame != nil {
		index = *w.Frame
	}
	if w.Error != "" {
		return message{fail: &DetectionError{Frame: index, Reason: w.Error}}, nil
	}
	if w.Frame == nil && w.Centroids == nil {
		return message{}, errEmptyMessage
	}

	f := &Frame{Index: index, Centroids: make([]tracking.Point, 0, len(w.Centroids))}
	if w.TSUnixNanos != 0 {
		f.Timestamp = time.Unix(0, w.TSUnixNanos)
	}
	for i, c := range w.Centroids {
		if len(c) != 2 {
			return message{}, fmt.Errorf("centroid %d has %d coordinates, want 2", i, len(c))
		}
		if math.IsNaN(c[0]) || math.IsNaN(c[1]) || math.IsInf(c[0], 0) || math.IsInf(c[1], 0) {
			return message{}, fmt.Errorf("centroid %d is not finite", i)
		}
		f.Centroids = append(f.Centroids, tracking.Point{X: c[0], Y: c[1]})
	}
	return message{frame: f}, nil
}

// EncodeStreamInfo writes a stream header line.
func EncodeStreamInfo(w io.Writer, info StreamInfo) error {
	return writeLine(w, wireMessage{Stream: &info})
}

// EncodeFrame writes one frame line.
func EncodeFrame(w io.Writer, f Frame) error {
	return writeLine(w, frameMessage(f))
}

// EncodeDetectionError writes a failure line for frame.
func EncodeDetectionError(w io.Writer, frame uint64, reason string) error {
	return writeLine(w, wireMessage{Frame: &frame, Error: reason})
}

// MarshalFrame returns f as a single wire message without a trailing
// newline, suitable for one datagram.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(frameMessage(f))
}

func frameMessage(f Frame) wireMessage {
	idx := f.Index
	msg := wireMessage{Frame: &idx, Centroids: make([][]float64, len(f.Centroids))}
	if !f.Timestamp.IsZero() {
		msg.TSUnixNanos = f.Timestamp.UnixNano()
	}
	for i, c := range f.Centroids {
		msg.Centroids[i] = []float64{c.X, c.Y}
	}
	return msg
}

func writeLine(w io.Writer, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame message: %w", err)
	}
	return nil
}
