// Package stream fans tracker output out to gRPC subscribers.
//
// The service is registered from a hand-written descriptor so no generated
// code is needed: clients call the server-streaming method
// /blobtrack.TrackStream/Subscribe with an empty request and receive one
// google.protobuf.Struct per frame.
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/pipeline"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "blobtrack.TrackStream"

const subscribeMethod = "/" + ServiceName + "/Subscribe"

// Config holds configuration for the publisher.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061").
	ListenAddr string

	// QueueSize bounds the broadcast queue.
	QueueSize int

	// ClientBuffer bounds each subscriber's queue. A subscriber that falls
	// behind loses frames rather than stalling the run.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		QueueSize:    100,
		ClientBuffer: 10,
	}
}

// TrackStreamServer is the server side of the service.
type TrackStreamServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "blobtrack/stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackStreamServer).Subscribe(req, stream)
}

// Publisher is a pipeline.Sink that broadcasts every frame to the
// connected subscribers.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *structpb.Struct
	clients   map[uint64]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      uint64
	frameCh chan *structpb.Struct
}

var (
	_ pipeline.Sink     = (*Publisher)(nil)
	_ TrackStreamServer = (*Publisher)(nil)
)

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	p := &Publisher{
		config:    cfg,
		frameChan: make(chan *structpb.Struct, cfg.QueueSize),
		clients:   make(map[uint64]*clientStream),
		stopCh:    make(chan struct{}),
	}
	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, p)
	return p
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background. The publisher owns lis.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Opsf("track stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Opsf("track stream server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every subscription and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	monitoring.Opsf("track stream stopped (frames=%d dropped=%d)", p.frameCount.Load(), p.droppedFrames.Load())
}

// Name identifies the sink in pipeline errors.
func (p *Publisher) Name() string { return "stream" }

// WriteFrame queues rec for broadcast. It never blocks: when the queue is
// full the frame is dropped.
func (p *Publisher) WriteFrame(_ context.Context, rec pipeline.FrameRecord) error {
	if !p.running.Load() {
		return nil
	}
	msg, err := FrameMessage(rec)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", rec.Result.Frame, err)
	}
	select {
	case p.frameChan <- msg:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Diagf("track stream dropped frame %d (total dropped: %d), queue full", rec.Result.Frame, dropped)
	}
	return nil
}

// Close stops the publisher.
func (p *Publisher) Close() error {
	p.Stop()
	return nil
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe streams frames to one client until it disconnects or the
// publisher stops.
func (p *Publisher) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	client := p.addClient()
	defer p.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case frame := <-client.frameCh:
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient() *clientStream {
	client := &clientStream{
		id:      p.nextID.Add(1),
		frameCh: make(chan *structpb.Struct, p.config.ClientBuffer),
	}
	p.clientsMu.Lock()
	p.clients[client.id] = client
	p.clientsMu.Unlock()
	n := p.clientCount.Add(1)
	monitoring.Opsf("track stream client %d connected (total: %d)", client.id, n)
	return client
}

func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Opsf("track stream client %d disconnected (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// FrameMessage encodes a frame record:
//
//	{"frame": 12, "source_frame": 12, "ts_unix_nanos": ..., "empty": false,
//	 "updates": [{"serial": 1, "label": "Track 1", "created": false,
//	              "measured": [x, y], "predicted": [x, y], "corrected": [x, y]}],
//	 "pruned": 0, "live": 3}
func FrameMessage(rec pipeline.FrameRecord) (*structpb.Struct, error) {
	updates := make([]interface{}, len(rec.Result.Updates))
	for i, u := range rec.Result.Updates {
		updates[i] = map[string]interface{}{
			"measurement_index": u.MeasurementIndex,
			"serial":            u.Serial,
			"label":             u.Label,
			"created":           u.Created,
			"measured":          []interface{}{u.Measured.X, u.Measured.Y},
			"predicted":         []interface{}{u.Predicted.X, u.Predicted.Y},
			"corrected":         []interface{}{u.Corrected.X, u.Corrected.Y},
		}
	}
	var ts int64
	if !rec.Frame.Timestamp.IsZero() {
		ts = rec.Frame.Timestamp.UnixNano()
	}
	return structpb.NewStruct(map[string]interface{}{
		"frame":         rec.Result.Frame,
		"source_frame":  rec.Frame.Index,
		"ts_unix_nanos": ts,
		"empty":         rec.Result.Empty,
		"updates":       updates,
		"pruned":        len(rec.Result.Pruned),
		"live":          len(rec.Live),
	})
}

// Subscription is the client side of a Subscribe call.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a subscription on cc.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open subscription: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe request: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
