package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.bug.st/serial"

	"github.com/banshee-data/blobtrack/internal/monitoring"
)

// maxLineSize bounds a single wire message.
const maxLineSize = 1 << 20

// LineSource reads newline-delimited wire messages from a stream such as a
// file or a serial port. A stream header on the first line is consumed at
// construction so Info is accurate before the first frame; later headers
// update Info in place.
type LineSource struct {
	rc      io.ReadCloser
	sc      *bufio.Scanner
	info    StreamInfo
	pending []byte // first line, when it was not a header
	lineNo  int
	frames  uint64
	done    bool
}

// NewLineSource wraps rc. info supplies defaults that a stream header
// overrides.
func NewLineSource(rc io.ReadCloser, info StreamInfo) *LineSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	s := &LineSource{rc: rc, sc: sc, info: info}
	s.peekHeader()
	return s
}

func (s *LineSource) peekHeader() {
	line, ok := s.nextLine()
	if !ok {
		return
	}
	msg, err := decodeMessage(line, 1)
	if err == nil && msg.info != nil {
		s.applyHeader(*msg.info)
		return
	}
	s.pending = line
}

func (s *LineSource) applyHeader(h StreamInfo) {
	s.info = s.info.Merge(h)
	monitoring.Diagf("stream header: %dx%d @ %.2f fps", s.info.Width, s.info.Height, s.info.FPS)
}

// nextLine returns the next non-blank line.
func (s *LineSource) nextLine() ([]byte, bool) {
	for s.sc.Scan() {
		s.lineNo++
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, true
	}
	return nil, false
}

// OpenFile opens a frame file written in the wire format.
func OpenFile(path string, info StreamInfo) (*LineSource, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open frame file: %w", err)
	}
	return NewLineSource(f, info), nil
}

// SerialOpener opens a serial device; replaced in tests.
var SerialOpener = func(path string, baud int) (io.ReadCloser, error) {
	return serial.Open(path, &serial.Mode{BaudRate: baud})
}

// OpenSerial reads frames from a detector attached to a serial port.
func OpenSerial(path string, baud int, info StreamInfo) (*LineSource, error) {
	port, err := SerialOpener(path, baud)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	monitoring.Opsf("reading frames from %s at %d baud", path, baud)
	return NewLineSource(port, info), nil
}

// Info returns the stream geometry.
func (s *LineSource) Info() StreamInfo { return s.info }

// Next returns the next frame.
func (s *LineSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if s.done {
			return Frame{}, io.EOF
		}

		line := s.pending
		s.pending = nil
		if line == nil {
			var ok bool
			if line, ok = s.nextLine(); !ok {
				s.done = true
				if err := s.sc.Err(); err != nil {
					return Frame{}, &DetectionError{Frame: s.frames + 1, Reason: "read failed", Err: err}
				}
				return Frame{}, io.EOF
			}
		}

		msg, err := decodeMessage(line, s.frames+1)
		if err != nil {
			return Frame{}, &DetectionError{
				Frame:  s.frames + 1,
				Reason: fmt.Sprintf("malformed message on line %d", s.lineNo),
				Err:    err,
			}
		}
		switch {
		case msg.info != nil:
			s.applyHeader(*msg.info)
		case msg.fail != nil:
			return Frame{}, msg.fail
		default:
			s.frames++
			return *msg.frame, nil
		}
	}
}

// Close releases the underlying stream.
func (s *LineSource) Close() error {
	return s.rc.Close()
}
