package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/banshee-data/blobtrack/internal/monitoring"
)

// udpPollInterval bounds how long Next blocks before re-checking ctx.
const udpPollInterval = 100 * time.Millisecond

// UDPSource receives one wire message per datagram.
type UDPSource struct {
	conn   *net.UDPConn
	info   StreamInfo
	buf    []byte
	frames uint64
}

// ListenUDP binds addr (e.g. ":7400") and returns a source reading from it.
func ListenUDP(addr string, info StreamInfo) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		monitoring.Diagf("Warning: failed to set UDP receive buffer: %v", err)
	}
	monitoring.Opsf("UDP frame source listening on %s", conn.LocalAddr())
	return &UDPSource{conn: conn, info: info, buf: make([]byte, 64*1024)}, nil
}

// Addr returns the bound local address.
func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

// Info returns the stream geometry.
func (s *UDPSource) Info() StreamInfo { return s.info }

// Next blocks until a frame datagram arrives or ctx is done. Header
// datagrams update Info and are not returned.
func (s *UDPSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(udpPollInterval)); err != nil {
			return Frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		n, _, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return Frame{}, &DetectionError{Frame: s.frames + 1, Reason: "receive failed", Err: err}
		}

		msg, err := decodeMessage(s.buf[:n], s.frames+1)
		if err != nil {
			return Frame{}, &DetectionError{Frame: s.frames + 1, Reason: "malformed datagram", Err: err}
		}
		switch {
		case msg.info != nil:
			s.info = s.info.Merge(*msg.info)
			monitoring.Diagf("stream header: %dx%d @ %.2f fps", s.info.Width, s.info.Height, s.info.FPS)
		case msg.fail != nil:
			return Frame{}, msg.fail
		default:
			s.frames++
			return *msg.frame, nil
		}
	}
}

// Close closes the socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
