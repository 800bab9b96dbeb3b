// Package aggregator debounces per-frame classifications into alerts.
//
// Each observed frame appends its class ids to a rolling time window.
// An alert fires when the window holds enough frames, the most frequent
// class is the hazard class and the cooldown since the previous alert has
// passed. Alerts are edge-triggered: a sustained hazard only re-fires once
// the cooldown expires.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/timeutil"
)

// Config holds the debounce parameters.
type Config struct {
	Window        time.Duration
	MinFrames     int
	Cooldown      time.Duration
	HazardClassID int
	Message       string
	// DispatchTimeout bounds a single notification attempt.
	DispatchTimeout time.Duration
}

// DefaultConfig returns a 10s window, 5 frames, 30s cooldown, hazard class 0.
func DefaultConfig() Config {
	return Config{
		Window:          10 * time.Second,
		MinFrames:       5,
		Cooldown:        30 * time.Second,
		HazardClassID:   0,
		DispatchTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinFrames <= 0 {
		c.MinFrames = d.MinFrames
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	return c
}

// Entry is one observed frame.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	ClassIDs  []int     `json:"class_ids"`
	Count     int       `json:"count"`
}

// Alert is emitted when the debounce condition is met.
type Alert struct {
	ID               string    `json:"id"`
	FiredAt          time.Time `json:"fired_at"`
	ClassID          int       `json:"class_id"`
	WindowFrames     int       `json:"window_frames"`
	WindowDetections int       `json:"window_detections"`
	Message          string    `json:"message"`
	// Snapshot is the encoded frame that triggered the alert, if any.
	Snapshot []byte `json:"-"`
}

// Decision is the outcome of one Observe call.
type Decision struct {
	Fired        bool
	Alert        *Alert
	ModeClassID  int
	HasMode      bool
	WindowFrames int
}

// Handler receives fired alerts. Implementations may block; they are
// called from their own goroutine.
type Handler interface {
	HandleAlert(ctx context.Context, a Alert) error
}

// Aggregator owns the detection history and alert state.
type Aggregator struct {
	mu        sync.Mutex
	cfg       Config
	clock     timeutil.Clock
	history   []Entry
	lastAlert *Alert
	handler   Handler

	wg sync.WaitGroup
}

// New creates an Aggregator. A nil clock uses the wall clock; a nil
// handler drops alerts after logging them.
func New(cfg Config, clock timeutil.Clock, h Handler) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{cfg: cfg.withDefaults(), clock: clock, handler: h}
}

// SetHandler swaps the alert handler used for subsequent alerts.
func (a *Aggregator) SetHandler(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// SetMessage replaces the alert message text.
func (a *Aggregator) SetMessage(msg string) {
	a.mu.Lock()
	a.cfg.Message = msg
	a.mu.Unlock()
}

// Config returns the active configuration.
func (a *Aggregator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Observe records one frame's class ids, frames without detections
// included, and decides whether to fire. Append, prune and the cooldown
// check-and-set run under one lock; the handler is invoked afterwards on
// a separate goroutine.
func (a *Aggregator) Observe(classIDs []int, snapshot []byte) Decision {
	a.mu.Lock()
	now := a.clock.Now()

	ids := make([]int, len(classIDs))
	copy(ids, classIDs)
	a.history = append(a.history, Entry{Timestamp: now, ClassIDs: ids, Count: len(ids)})
	a.pruneLocked(now)

	dec := Decision{WindowFrames: len(a.history)}
	dec.ModeClassID, dec.HasMode = modeClass(a.history)

	if dec.WindowFrames >= a.cfg.MinFrames && dec.HasMode &&
		dec.ModeClassID == a.cfg.HazardClassID && a.cooldownElapsedLocked(now) {
		alert := &Alert{
			ID:               uuid.NewString(),
			FiredAt:          now,
			ClassID:          dec.ModeClassID,
			WindowFrames:     dec.WindowFrames,
			WindowDetections: countDetections(a.history),
			Message:          a.cfg.Message,
			Snapshot:         snapshot,
		}
		a.lastAlert = alert
		dec.Fired = true
		dec.Alert = alert
	}
	handler := a.handler
	timeout := a.cfg.DispatchTimeout
	a.mu.Unlock()

	if dec.Fired {
		monitoring.WithAlert(dec.Alert.ID, dec.Alert.ClassID, dec.Alert.WindowFrames).
			Warn("hazard alert fired")
		a.dispatch(handler, *dec.Alert, timeout)
	}
	return dec
}

// cooldownElapsedLocked is true when no alert has fired yet or the last
// one is strictly more than Cooldown ago.
func (a *Aggregator) cooldownElapsedLocked(now time.Time) bool {
	if a.lastAlert == nil {
		return true
	}
	return now.Sub(a.lastAlert.FiredAt) > a.cfg.Cooldown
}

// pruneLocked drops entries with now - t > Window. History is appended in
// clock order, so the cut is a prefix.
func (a *Aggregator) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(a.history) && now.Sub(a.history[cut].Timestamp) > a.cfg.Window {
		cut++
	}
	if cut > 0 {
		a.history = append(a.history[:0:0], a.history[cut:]...)
	}
}

func (a *Aggregator) dispatch(h Handler, alert Alert, timeout time.Duration) {
	if h == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.HandleAlert(ctx, alert); err != nil {
			monitoring.WithAlert(alert.ID, alert.ClassID, alert.WindowFrames).
				WithError(err).Error("alert notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications have returned.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// modeClass returns the most frequent class id across entries. Ties go to
// the class seen first, oldest frame first and in detection order within
// a frame. ok is false when the window holds no detections.
func modeClass(entries []Entry) (classID int, ok bool) {
	counts := make(map[int]int)
	var order []int
	for _, e := range entries {
		for _, id := range e.ClassIDs {
			if counts[id] == 0 {
				order = append(order, id)
			}
			counts[id]++
		}
	}
	best := 0
	for _, id := range order {
		if counts[id] > best {
			best = counts[id]
			classID = id
			ok = true
		}
	}
	return classID, ok
}

func countDetections(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += e.Count
	}
	return n
}

// LastAlert returns a copy of the most recent alert, or nil.
func (a *Aggregator) LastAlert() *Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastAlert == nil {
		return nil
	}
	cp := *a.lastAlert
	cp.Snapshot = nil
	return &cp
}

// Stats summarises the current window for display.
type Stats struct {
	Frames            int           `json:"frames"`
	Detections        int           `json:"detections"`
	ClassCounts       map[int]int   `json:"class_counts"`
	ModeClassID       *int          `json:"mode_class_id"`
	LastAlertAt       *time.Time    `json:"last_alert_at"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns"`
	Entries           []Entry       `json:"entries"`
}

// Snapshot reports the entries still inside the window at the current
// clock reading without modifying the history.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()

	st := Stats{ClassCounts: make(map[int]int)}
	for _, e := range a.history {
		if now.Sub(e.Timestamp) > a.cfg.Window {
			continue
		}
		ids := make([]int, len(e.ClassIDs))
		copy(ids, e.ClassIDs)
		st.Entries = append(st.Entries, Entry{Timestamp: e.Timestamp, ClassIDs: ids, Count: e.Count})
		for _, id := range e.ClassIDs {
			st.ClassCounts[id]++
		}
	}
	st.Frames = len(st.Entries)
	st.Detections = countDetections(st.Entries)
	if id, ok := modeClass(st.Entries); ok {
		st.ModeClassID = &id
	}
	if a.lastAlert != nil {
		at := a.lastAlert.FiredAt
		st.LastAlertAt = &at
		if rem := a.cfg.Cooldown - now.Sub(at); rem > 0 {
			st.CooldownRemaining = rem
		}
	}
	return st
}
