// Package dispatch streams dispatched rescue missions to remote operator
// consoles over gRPC.
//
// The service uses google.protobuf.Struct payloads so mission envelopes
// keep the same field names on the stream as on the vehicle link and the
// REST API.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// Config holds publisher settings.
type Config struct {
	// ListenAddr is the gRPC listen address, e.g. "localhost:50051".
	ListenAddr string
	// MaxClients caps concurrent StreamCommands calls.
	MaxClients int
	// ClientBuffer is the per-client queue length.
	ClientBuffer int
}

// DefaultConfig returns a localhost listener for 8 clients.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// AlertSource reports the most recent alert.
type AlertSource interface {
	LastAlert() *aggregator.Alert
}

// Publisher fans mission envelopes out to every streaming client and
// serves the Dispatch gRPC service.
type Publisher struct {
	cfg      Config
	alerts   AlertSource
	alertsMu sync.RWMutex

	server   *grpc.Server
	listener net.Listener

	msgCh     chan *structpb.Struct
	clients   map[string]chan *structpb.Struct
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32
	nextID      atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ DispatchServer = (*Publisher)(nil)

// NewPublisher creates a stopped Publisher. alerts may be nil.
func NewPublisher(cfg Config, alerts AlertSource) *Publisher {
	d := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = d.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = d.ClientBuffer
	}
	return &Publisher{
		cfg:     cfg,
		alerts:  alerts,
		msgCh:   make(chan *structpb.Struct, 64),
		clients: make(map[string]chan *structpb.Struct),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on cfg.ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterDispatchServer(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[dispatch] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[dispatch] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop shuts the server down, waiting up to timeout for streams to end.
func (p *Publisher) Stop(timeout time.Duration) {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.server.Stop()
	}
	p.wg.Wait()
	monitoring.Logf("[dispatch] gRPC server stopped")
}

// Publish converts v to a protobuf Struct via its JSON form and queues it
// for every connected client. A full queue drops the message.
func (p *Publisher) Publish(v interface{}) error {
	msg, err := ToStruct(v)
	if err != nil {
		return err
	}
	if !p.running.Load() {
		return nil
	}
	select {
	case p.msgCh <- msg:
		p.published.Add(1)
	default:
		n := p.dropped.Add(1)
		monitoring.Logf("[dispatch] queue full, dropped message (total dropped: %d)", n)
	}
	return nil
}

// ToStruct converts any JSON-encodable object value into a Struct.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("message is not a JSON object: %w", err)
	}
	return structpb.NewStruct(m)
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.msgCh:
			p.clientsMu.RLock()
			for _, ch := range p.clients {
				select {
				case ch <- msg:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (string, chan *structpb.Struct, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.cfg.MaxClients {
		return "", nil, false
	}
	id := fmt.Sprintf("grpc-%d", p.nextID.Add(1))
	ch := make(chan *structpb.Struct, p.cfg.ClientBuffer)
	p.clients[id] = ch
	p.clientCount.Add(1)
	monitoring.Logf("[dispatch] client connected: %s (total: %d)", id, p.clientCount.Load())
	return id, ch, true
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		p.clientCount.Add(-1)
		monitoring.Logf("[dispatch] client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// StreamCommands implements DispatchServer.
func (p *Publisher) StreamCommands(_ *emptypb.Empty, stream CommandStream) error {
	id, ch, ok := p.addClient()
	if !ok {
		return status.Errorf(codes.ResourceExhausted, "at most %d streaming clients", p.cfg.MaxClients)
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case msg := <-ch:
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// SetAlertSource replaces the source served by LatestAlert.
func (p *Publisher) SetAlertSource(src AlertSource) {
	p.alertsMu.Lock()
	p.alerts = src
	p.alertsMu.Unlock()
}

// LatestAlert implements DispatchServer.
func (p *Publisher) LatestAlert(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	p.alertsMu.RLock()
	src := p.alerts
	p.alertsMu.RUnlock()
	if src == nil {
		return nil, status.Error(codes.Unavailable, "no alert source")
	}
	a := src.LastAlert()
	if a == nil {
		return nil, status.Error(codes.NotFound, "no alert has fired")
	}
	msg, err := ToStruct(a)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

// Stats reports publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Stats returns current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}
