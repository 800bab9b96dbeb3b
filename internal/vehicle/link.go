// Package vehicle carries mission commands to the rescue vehicle over its
// serial radio link and relays the vehicle's acknowledgements.
//
// The wire format is newline-delimited JSON in both directions: mission
// envelopes out, ack objects in. Lines from the vehicle that are not acks
// (telemetry, boot banners) are ignored.
package vehicle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/rescue"
)

var (
	// ErrWriteFailed is returned when a command could not be fully written.
	ErrWriteFailed = errors.New("failed to write to vehicle link")

	// ErrLinkDisabled is returned by the disabled link.
	ErrLinkDisabled = errors.New("vehicle link disabled")
)

// Envelope is one mission as sent to the vehicle.
type Envelope struct {
	MissionID string         `json:"mission_id"`
	IssuedAt  time.Time      `json:"issued_at"`
	Command   rescue.Command `json:"command"`
}

// NewEnvelope wraps cmd with a fresh mission id.
func NewEnvelope(cmd rescue.Command, issuedAt time.Time) Envelope {
	return Envelope{MissionID: uuid.NewString(), IssuedAt: issuedAt.UTC(), Command: cmd}
}

// Ack is the vehicle's reply to a mission.
type Ack struct {
	MissionID  string    `json:"mission_id"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Raw        string    `json:"-"`
}

// Accepted reports whether the vehicle took the mission.
func (a Ack) Accepted() bool {
	switch strings.ToLower(a.Status) {
	case "accepted", "ok", "underway", "complete":
		return true
	}
	return false
}

// ParseAck decodes one line from the vehicle. ok is false for lines that
// are not acks.
func ParseAck(line string, now time.Time) (Ack, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Ack{}, false
	}
	var a Ack
	if err := json.Unmarshal([]byte(line), &a); err != nil || a.MissionID == "" || a.Status == "" {
		return Ack{}, false
	}
	a.ReceivedAt = now
	a.Raw = line
	return a, true
}

// Link is a transport to the vehicle.
type Link interface {
	// Send writes one mission envelope.
	Send(ctx context.Context, env Envelope) error
	// SendRaw writes an arbitrary line, for operator debugging.
	SendRaw(line string) error
	// Subscribe returns a channel of acks. The id is used to unsubscribe.
	Subscribe() (string, <-chan Ack)
	// Unsubscribe closes and removes a subscription.
	Unsubscribe(id string)
	// Monitor reads from the vehicle until ctx is done or the port fails.
	Monitor(ctx context.Context) error
	// Close closes subscriptions and the port.
	Close() error
	// AttachAdminRoutes mounts debug pages on mux.
	AttachAdminRoutes(mux *http.ServeMux)
}

// subscribers fans acks out to listeners. Slow listeners drop acks rather
// than stall the reader.
type subscribers struct {
	mu      sync.Mutex
	chans   map[string]chan Ack
	closing bool
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[string]chan Ack)}
}

func (s *subscribers) add() (string, <-chan Ack) {
	id := uuid.NewString()
	ch := make(chan Ack, 16)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.chans[id] = ch
	return id, ch
}

func (s *subscribers) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		close(ch)
		delete(s.chans, id)
	}
}

func (s *subscribers) publish(a Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- a:
		default:
		}
	}
}

// closeAll reports whether this call did the closing.
func (s *subscribers) closeAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.closing = true
	for id, ch := range s.chans {
		close(ch)
		delete(s.chans, id)
	}
	return true
}

func (s *subscribers) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// SerialLink speaks to the vehicle over a serial port.
type SerialLink[T Porter] struct {
	port      T
	subs      *subscribers
	commandMu sync.Mutex
	now       func() time.Time
}

// NewSerialLink wraps an open port.
func NewSerialLink[T Porter](port T) *SerialLink[T] {
	return &SerialLink[T]{port: port, subs: newSubscribers(), now: time.Now}
}

// Send marshals env as a single JSON line and writes it.
func (l *SerialLink[T]) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal mission %s: %w", env.MissionID, err)
	}
	return l.write(append(data, '\n'))
}

// SendRaw writes line, adding a trailing newline if missing.
func (l *SerialLink[T]) SendRaw(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return l.write([]byte(line))
}

func (l *SerialLink[T]) write(b []byte) error {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()
	n, err := l.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: short write %d of %d bytes", ErrWriteFailed, n, len(b))
	}
	return nil
}

// Subscribe registers an ack listener.
func (l *SerialLink[T]) Subscribe() (string, <-chan Ack) { return l.subs.add() }

// Unsubscribe removes an ack listener.
func (l *SerialLink[T]) Unsubscribe(id string) { l.subs.remove(id) }

// Monitor scans lines from the port and publishes acks. It returns nil at
// EOF or after Close, the scan error if reading fails, and ctx.Err() on
// cancellation.
func (l *SerialLink[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(l.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks; run it apart from the select on ctx.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if l.subs.isClosing() {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if !l.subs.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if l.subs.isClosing() {
				return nil
			}
			ack, ok := ParseAck(line, l.now())
			if !ok {
				monitoring.Logger().WithField("line", line).Debug("ignoring non-ack line from vehicle")
				continue
			}
			l.subs.publish(ack)
		}
	}
}

// Close closes all subscriptions and the port.
func (l *SerialLink[T]) Close() error {
	if !l.subs.closeAll() {
		return nil
	}
	return l.port.Close()
}

// DisabledLink stands in when no vehicle port is configured. Sends fail
// with ErrLinkDisabled so dispatch reports the missing link.
type DisabledLink struct {
	subs *subscribers
}

// NewDisabledLink returns a link that accepts subscriptions and refuses
// sends.
func NewDisabledLink() *DisabledLink {
	return &DisabledLink{subs: newSubscribers()}
}

func (d *DisabledLink) Send(context.Context, Envelope) error { return ErrLinkDisabled }
func (d *DisabledLink) SendRaw(string) error                 { return ErrLinkDisabled }
func (d *DisabledLink) Subscribe() (string, <-chan Ack)      { return d.subs.add() }
func (d *DisabledLink) Unsubscribe(id string)                { d.subs.remove(id) }

func (d *DisabledLink) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledLink) Close() error {
	d.subs.closeAll()
	return nil
}

func (d *DisabledLink) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/vehicle-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("vehicle link disabled"))
	})
}
