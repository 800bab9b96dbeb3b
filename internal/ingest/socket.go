package ingest

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn used by the listener.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ListenFunc opens a UDP socket. net.ListenUDP wrapped by ListenUDP is the
// default.
type ListenFunc func(network string, laddr *net.UDPAddr) (UDPSocket, error)

// ListenUDP opens a real socket.
func ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays queued datagrams, then reports read timeouts until
// closed.
type MockUDPSocket struct {
	mu       sync.Mutex
	packets  [][]byte
	closed   bool
	rcvBuf   int
	readErr  error
	from     *net.UDPAddr
	localUDP *net.UDPAddr
}

// NewMockUDPSocket returns a socket that will deliver packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		packets:  packets,
		from:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		localUDP: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort},
	}
}

// Push queues another datagram.
func (m *MockUDPSocket) Push(p []byte) {
	m.mu.Lock()
	m.packets = append(m.packets, p)
	m.mu.Unlock()
}

// FailNextRead makes the next read return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// ReadFromUDP implements UDPSocket.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if err := m.readErr; err != nil {
		m.readErr = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	p := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, p), m.from, nil
}

// SetReadBuffer implements UDPSocket.
func (m *MockUDPSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	m.rcvBuf = n
	m.mu.Unlock()
	return nil
}

// SetReadDeadline implements UDPSocket.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close implements UDPSocket.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr implements UDPSocket.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.localUDP }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
