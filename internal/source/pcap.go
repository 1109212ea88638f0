package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/timeutil"
)

// PCAPSource replays frame datagrams captured in a pcap file. Only UDP
// packets addressed to the configured port are considered.
type PCAPSource struct {
	rc     io.ReadCloser
	r      *pcapgo.Reader
	port   uint16
	info   StreamInfo
	frames uint64

	// SpeedMultiplier paces replay against capture timestamps (1.0 =
	// real-time, 2.0 = twice as fast). Zero replays as fast as possible.
	SpeedMultiplier float64

	// Clock drives pacing; nil uses the wall clock.
	Clock timeutil.Clock

	lastCapture time.Time
	packets     int
}

// OpenPCAP opens a capture file. port 0 accepts every UDP packet.
func OpenPCAP(path string, port int, info StreamInfo) (*PCAPSource, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	s, err := NewPCAPSource(f, port, info)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewPCAPSource reads a capture from rc.
func NewPCAPSource(rc io.ReadCloser, port int, info StreamInfo) (*PCAPSource, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid UDP port %d", port)
	}
	r, err := pcapgo.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	monitoring.Diagf("PCAP replay: link type %v, udp port %d", r.LinkType(), port)
	return &PCAPSource{rc: rc, r: r, port: uint16(port), info: info}, nil
}

// Info returns the stream geometry.
func (s *PCAPSource) Info() StreamInfo { return s.info }

// Next returns the next frame carried by a matching UDP packet.
func (s *PCAPSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		data, ci, err := s.r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			monitoring.Diagf("PCAP replay complete: %d packets, %d frames", s.packets, s.frames)
			return Frame{}, io.EOF
		}
		if err != nil {
			return Frame{}, &DetectionError{Frame: s.frames + 1, Reason: "pcap read failed", Err: err}
		}
		s.packets++

		packet := gopacket.NewPacket(data, s.r.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.port != 0 && uint16(udp.DstPort) != s.port {
			continue
		}

		if err := s.pace(ctx, ci.Timestamp); err != nil {
			return Frame{}, err
		}

		msg, err := decodeMessage(udp.Payload, s.frames+1)
		if err != nil {
			return Frame{}, &DetectionError{Frame: s.frames + 1, Reason: fmt.Sprintf("malformed payload in packet %d", s.packets), Err: err}
		}
		switch {
		case msg.info != nil:
			s.info = s.info.Merge(*msg.info)
		case msg.fail != nil:
			return Frame{}, msg.fail
		default:
			s.frames++
			f := *msg.frame
			if f.Timestamp.IsZero() {
				f.Timestamp = ci.Timestamp
			}
			return f, nil
		}
	}
}

// pace sleeps for the scaled gap since the previous matching packet.
func (s *PCAPSource) pace(ctx context.Context, capture time.Time) error {
	defer func() { s.lastCapture = capture }()
	if s.SpeedMultiplier <= 0 || s.lastCapture.IsZero() {
		return nil
	}
	delay := time.Duration(float64(capture.Sub(s.lastCapture)) / s.SpeedMultiplier)
	if delay <= 0 {
		return nil
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	t := clock.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Close closes the capture file.
func (s *PCAPSource) Close() error {
	return s.rc.Close()
}
