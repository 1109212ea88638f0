package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blobtrack/internal/tracking"
)

func readAll(t *testing.T, d Detector) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	for {
		f, err := d.Next(context.Background())
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    message
		wantErr bool
	}{
		{
			name: "header",
			in:   `{"stream":{"width":800,"height":600,"fps":25}}`,
			want: message{info: &StreamInfo{Width: 800, Height: 600, FPS: 25}},
		},
		{
			name: "frame",
			in:   `{"frame":7,"ts_unix_nanos":1000,"centroids":[[10,10],[400.5,300]]}`,
			want: message{frame: &Frame{
				Index:     7,
				Timestamp: time.Unix(0, 1000),
				Centroids: []tracking.Point{{X: 10, Y: 10}, {X: 400.5, Y: 300}},
			}},
		},
		{
			name: "frame without index",
			in:   `{"centroids":[]}`,
			want: message{frame: &Frame{Index: 42, Centroids: []tracking.Point{}}},
		},
		{
			name: "empty frame",
			in:   `{"frame":3}`,
			want: message{frame: &Frame{Index: 3, Centroids: []tracking.Point{}}},
		},
		{
			name: "detection failure",
			in:   `{"frame":2,"error":"camera read failed"}`,
			want: message{fail: &DetectionError{Frame: 2, Reason: "camera read failed"}},
		},
		{name: "not json", in: `frame 1`, wantErr: true},
		{name: "empty object", in: `{}`, wantErr: true},
		{name: "three coordinates", in: `{"frame":1,"centroids":[[1,2,3]]}`, wantErr: true},
		{name: "negative header", in: `{"stream":{"width":-1}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeMessage([]byte(tt.in), 42)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(message{})); diff != "" {
				t.Errorf("decodeMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeDecodeLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeStreamInfo(&buf, StreamInfo{Width: 800, Height: 600, FPS: 25}))
	require.NoError(t, EncodeFrame(&buf, Frame{Index: 1, Centroids: []tracking.Point{{X: 10, Y: 10}}}))
	require.NoError(t, EncodeFrame(&buf, Frame{Index: 2}))
	require.NoError(t, EncodeFrame(&buf, Frame{Index: 3, Timestamp: time.Unix(5, 0), Centroids: []tracking.Point{{X: 15, Y: 12}}}))
	require.NoError(t, EncodeDetectionError(&buf, 4, "lens cap on"))

	src := NewLineSource(io.NopCloser(&buf), StreamInfo{FPS: 30})
	assert.Equal(t, StreamInfo{Width: 800, Height: 600, FPS: 25}, src.Info())

	frames, err := readAll(t, src)
	var de *DetectionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint64(4), de.Frame)
	assert.Equal(t, "lens cap on", de.Reason)

	require.Len(t, frames, 3)
	assert.Equal(t, []tracking.Point{{X: 10, Y: 10}}, frames[0].Centroids)
	assert.Empty(t, frames[1].Centroids)
	assert.Equal(t, time.Unix(5, 0).UnixNano(), frames[2].Timestamp.UnixNano())
}

func TestLineSourceWithoutHeader(t *testing.T) {
	in := "\n" + `{"centroids":[[1,2]]}` + "\n\n" + `{"centroids":[[3,4]]}` + "\n"
	src := NewLineSource(io.NopCloser(strings.NewReader(in)), StreamInfo{Width: 640, Height: 480})
	assert.Equal(t, StreamInfo{Width: 640, Height: 480}, src.Info())

	frames, err := readAll(t, src)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Index)
	assert.Equal(t, uint64(2), frames[1].Index)
	assert.Equal(t, tracking.Pt(3, 4), frames[1].Centroids[0])

	// Exhausted sources keep reporting EOF.
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineSourceMalformedLine(t *testing.T) {
	in := `{"frame":1,"centroids":[[1,2]]}` + "\n" + `{"frame":2,"centroids":[[1]]}` + "\n"
	src := NewLineSource(io.NopCloser(strings.NewReader(in)), StreamInfo{})

	frames, err := readAll(t, src)
	require.Len(t, frames, 1)
	var de *DetectionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint64(2), de.Frame)
	assert.Contains(t, de.Error(), "line 2")
	assert.Error(t, errors.Unwrap(de))
}

func TestLineSourceHonoursContext(t *testing.T) {
	src := NewLineSource(io.NopCloser(strings.NewReader(`{"centroids":[]}`)), StreamInfo{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, Frame{Index: 1, Centroids: []tracking.Point{{X: 1, Y: 1}}}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	src, err := OpenFile(path, StreamInfo{})
	require.NoError(t, err)
	defer src.Close()
	frames, err := readAll(t, src)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, frames, 1)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.jsonl"), StreamInfo{})
	assert.Error(t, err)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestOpenSerial(t *testing.T) {
	port := &closeRecorder{Reader: strings.NewReader(`{"stream":{"fps":15}}` + "\n" + `{"centroids":[[5,5]]}` + "\n")}
	orig := SerialOpener
	t.Cleanup(func() { SerialOpener = orig })

	var gotPath string
	var gotBaud int
	SerialOpener = func(path string, baud int) (io.ReadCloser, error) {
		gotPath, gotBaud = path, baud
		return port, nil
	}

	src, err := OpenSerial("/dev/ttyUSB0", 115200, StreamInfo{Width: 320, Height: 240})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", gotPath)
	assert.Equal(t, 115200, gotBaud)
	assert.Equal(t, StreamInfo{Width: 320, Height: 240, FPS: 15}, src.Info())

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []tracking.Point{{X: 5, Y: 5}}, f.Centroids)

	require.NoError(t, src.Close())
	assert.True(t, port.closed)

	SerialOpener = func(string, int) (io.ReadCloser, error) { return nil, errors.New("no such device") }
	_, err = OpenSerial("/dev/none", 9600, StreamInfo{})
	assert.ErrorContains(t, err, "no such device")
}

func TestDetectionErrorMessage(t *testing.T) {
	err := &DetectionError{Frame: 9, Reason: "timeout"}
	assert.Equal(t, "detection failed at frame 9: timeout", err.Error())

	wrapped := &DetectionError{Frame: 1, Reason: "read failed", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Contains(t, wrapped.Error(), "unexpected EOF")
}

func TestStreamInfoMerge(t *testing.T) {
	base := StreamInfo{Width: 1280, Height: 720, FPS: 30}
	assert.Equal(t, base, base.Merge(StreamInfo{}))
	assert.Equal(t, StreamInfo{Width: 1280, Height: 720, FPS: 10}, base.Merge(StreamInfo{FPS: 10}))
}
