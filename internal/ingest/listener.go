// Package ingest receives detector output over the network. Each UDP
// datagram carries one JSON-encoded detection.Frame. Captures of that
// traffic can be read back from pcap files for replay.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// DefaultPort is the detector datagram port.
const DefaultPort = 5600

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// FrameHandler consumes decoded frames.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f detection.Frame) error
}

// HandlerFunc adapts a function to FrameHandler.
type HandlerFunc func(ctx context.Context, f detection.Frame) error

// HandleFrame implements FrameHandler.
func (fn HandlerFunc) HandleFrame(ctx context.Context, f detection.Frame) error {
	return fn(ctx, f)
}

// Config configures a Listener.
type Config struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Handler     FrameHandler
	// Listen opens the socket; nil uses ListenUDP.
	Listen ListenFunc
}

// Stats are cumulative listener counters.
type Stats struct {
	Datagrams     uint64 `json:"datagrams"`
	Bytes         uint64 `json:"bytes"`
	Frames        uint64 `json:"frames"`
	DecodeErrors  uint64 `json:"decode_errors"`
	HandlerErrors uint64 `json:"handler_errors"`
}

// Listener reads frames from a UDP socket and hands them to a
// FrameHandler one at a time.
type Listener struct {
	cfg Config

	datagrams     atomic.Uint64
	bytes         atomic.Uint64
	frames        atomic.Uint64
	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
}

// NewListener fills defaults and returns a Listener.
func NewListener(cfg Config) *Listener {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.RcvBuf <= 0 {
		cfg.RcvBuf = 4 << 20
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Listen == nil {
		cfg.Listen = ListenUDP
	}
	return &Listener{cfg: cfg}
}

// Start blocks, processing datagrams until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if l.cfg.Handler == nil {
		return errors.New("ingest: no frame handler")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.cfg.Listen("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
		monitoring.Logf("[ingest] failed to set receive buffer to %d: %v", l.cfg.RcvBuf, err)
	}
	monitoring.Logf("[ingest] listening for frames on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Logf("[ingest] read error: %v", err)
			continue
		}
		if err := l.handleDatagram(ctx, buf[:n]); err != nil {
			monitoring.Logf("[ingest] datagram from %v: %v", from, err)
		}
	}
}

func (l *Listener) handleDatagram(ctx context.Context, p []byte) error {
	l.datagrams.Add(1)
	l.bytes.Add(uint64(len(p)))

	f, err := DecodeFrame(p)
	if err != nil {
		l.decodeErrors.Add(1)
		return err
	}
	l.frames.Add(1)
	if err := l.cfg.Handler.HandleFrame(ctx, f); err != nil {
		l.handlerErrors.Add(1)
		return err
	}
	return nil
}

// DecodeFrame parses one datagram payload.
func DecodeFrame(p []byte) (detection.Frame, error) {
	var f detection.Frame
	if err := json.Unmarshal(p, &f); err != nil {
		return detection.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Stats returns the counters so far.
func (l *Listener) Stats() Stats {
	return Stats{
		Datagrams:     l.datagrams.Load(),
		Bytes:         l.bytes.Load(),
		Frames:        l.frames.Load(),
		DecodeErrors:  l.decodeErrors.Load(),
		HandlerErrors: l.handlerErrors.Load(),
	}
}

func (l *Listener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := l.Stats()
			monitoring.Logf("[ingest] datagrams=%d bytes=%d frames=%d decode_errors=%d handler_errors=%d",
				s.Datagrams, s.Bytes, s.Frames, s.DecodeErrors, s.HandlerErrors)
		}
	}
}
