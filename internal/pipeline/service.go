// Package pipeline is the service layer: it owns the calibration, the
// detection window and the camera pose, and connects them to the mission
// log, the notifiers and the vehicle link.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/calibration"
	"github.com/banshee-data/lifeline/internal/config"
	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/distance"
	"github.com/banshee-data/lifeline/internal/httputil"
	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/notify"
	"github.com/banshee-data/lifeline/internal/rescue"
	"github.com/banshee-data/lifeline/internal/timeutil"
	"github.com/banshee-data/lifeline/internal/vehicle"
)

// MissionLog is the persistent record of alerts, calibrations and
// missions. *db.DB implements it.
type MissionLog interface {
	RecordAlert(ctx context.Context, a db.AlertRecord) error
	Alerts(ctx context.Context, limit int) ([]db.AlertRecord, error)
	RecordCalibration(ctx context.Context, c db.CalibrationRecord) error
	RecordMission(ctx context.Context, m db.MissionRecord) error
	SetMissionStatus(ctx context.Context, missionID, status string) error
	Missions(ctx context.Context, limit int) ([]db.MissionRecord, error)
	RecordAck(ctx context.Context, missionID string, accepted bool, raw string, at time.Time) error
}

var _ MissionLog = (*db.DB)(nil)

// Publisher receives every dispatched mission envelope.
type Publisher interface {
	Publish(v interface{}) error
}

// SinkFactory builds the alert notifier for a set of settings.
type SinkFactory func(n config.NotificationSettings) notify.Sink

// Deps are the collaborators of a Service. Only Config is required.
type Deps struct {
	Config    *config.RescueConfig
	Clock     timeutil.Clock
	Log       MissionLog
	Link      vehicle.Link
	Publisher Publisher
	// HTTPClient is used by the webhook notifier.
	HTTPClient httputil.HTTPClient
	// NewSink overrides the default notifier construction.
	NewSink SinkFactory
}

// Service implements the detection, calibration and rescue operations.
type Service struct {
	clock  timeutil.Clock
	log    MissionLog
	link   vehicle.Link
	pub    Publisher
	cal    *calibration.Store
	est    *distance.Estimator
	agg    *aggregator.Aggregator
	engine *rescue.Engine

	newSink SinkFactory

	mu         sync.RWMutex
	cfg        *config.RescueConfig
	sink       notify.Sink
	listeners  []func(aggregator.Alert)
	lastRanked []rescue.RankedTarget
}

// New wires a Service from cfg. A focal length in the config
// pre-calibrates the camera.
func New(d Deps) (*Service, error) {
	if d.Config == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if err := d.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := *d.Config
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Link == nil {
		d.Link = vehicle.NewDisabledLink()
	}
	s := &Service{
		clock:   d.Clock,
		log:     d.Log,
		link:    d.Link,
		pub:     d.Publisher,
		cfg:     &cfg,
		newSink: d.NewSink,
	}
	if s.newSink == nil {
		client := d.HTTPClient
		s.newSink = func(n config.NotificationSettings) notify.Sink {
			return DefaultSink(n, client)
		}
	}

	s.cal = calibration.NewStore(cfg.GetKnownWidthCm())
	if f, ok := cfg.GetFocalLengthPx(); ok {
		if err := s.cal.SetFocalLength(f); err != nil {
			return nil, err
		}
	}
	s.est = distance.NewEstimator(s.cal, cfg.GetKnownHeightCm())
	s.engine = rescue.NewEngine(rescue.NewCameraPose(cfg.GetCameraHeightM(), cfg.GetCameraTiltDeg()))
	s.agg = aggregator.New(aggregator.Config{
		Window:        cfg.GetWindowDuration(),
		MinFrames:     cfg.GetMinFrames(),
		Cooldown:      cfg.GetAlertCooldown(),
		HazardClassID: cfg.GetHazardClassID(),
		Message:       cfg.GetAlertMessage(),
	}, d.Clock, s)
	s.sink = s.newSink(cfg.Notification())
	return s, nil
}

// DefaultSink logs every alert and adds a webhook and an MQTT publisher
// for whichever endpoints are configured.
func DefaultSink(n config.NotificationSettings, client httputil.HTTPClient) notify.Sink {
	sinks := notify.Fanout{notify.LogSink{}}
	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(n.WebhookURL, client))
	}
	if n.MQTTBroker != "" {
		sinks = append(sinks, notify.NewMQTT(n.MQTTBroker, n.MQTTTopic))
	}
	return sinks
}

// closeSink releases broker connections held by a replaced notifier.
func closeSink(s notify.Sink) {
	f, ok := s.(notify.Fanout)
	if !ok {
		return
	}
	for _, sink := range f {
		if m, ok := sink.(*notify.MQTT); ok {
			m.Close()
		}
	}
}

// Close waits for in-flight notifications and releases notifier
// connections. The vehicle link and mission log belong to the caller.
func (s *Service) Close() {
	s.agg.Wait()
	s.mu.Lock()
	closeSink(s.sink)
	s.mu.Unlock()
}

// OnAlert registers fn to be called for every fired alert, before the
// notifiers run.
func (s *Service) OnAlert(fn func(aggregator.Alert)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// HandleAlert records the alert and forwards it to listeners and the
// notifier. It runs on the aggregator's dispatch goroutine.
func (s *Service) HandleAlert(ctx context.Context, a aggregator.Alert) error {
	if s.log != nil {
		rec := db.AlertRecord{
			ID:               a.ID,
			FiredAt:          a.FiredAt,
			ClassID:          a.ClassID,
			WindowFrames:     a.WindowFrames,
			WindowDetections: a.WindowDetections,
			Message:          a.Message,
		}
		if err := s.log.RecordAlert(ctx, rec); err != nil {
			monitoring.Logf("[pipeline] failed to record alert %s: %v", a.ID, err)
		}
	}

	s.mu.RLock()
	listeners := make([]func(aggregator.Alert), len(s.listeners))
	copy(listeners, s.listeners)
	sink := s.sink
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(a)
	}
	if sink == nil {
		return nil
	}
	return sink.HandleAlert(ctx, a)
}

// Calibration returns the current calibration state.
func (s *Service) Calibration() calibration.State {
	return s.cal.Snapshot()
}

// Aggregator exposes the detection window for debug views and the gRPC
// LatestAlert call.
func (s *Service) Aggregator() *aggregator.Aggregator {
	return s.agg
}

// Pose returns the camera pose in use.
func (s *Service) Pose() rescue.CameraPose {
	return s.engine.Pose()
}

// Link returns the vehicle link.
func (s *Service) Link() vehicle.Link {
	return s.link
}

// Health is the liveness summary.
type Health struct {
	Status      string  `json:"status"`
	Calibrated  bool    `json:"calibrated"`
	VehicleLink bool    `json:"vehicle_link"`
	MissionLog  bool    `json:"mission_log"`
	Timestamp   float64 `json:"timestamp"`
}

// Health reports which collaborators are wired.
func (s *Service) Health() Health {
	_, disabled := s.link.(*vehicle.DisabledLink)
	return Health{
		Status:      "healthy",
		Calibrated:  s.cal.Snapshot().Calibrated(),
		VehicleLink: !disabled,
		MissionLog:  s.log != nil,
		Timestamp:   unixSeconds(s.clock.Now()),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// NotificationSettings returns the notifier settings with secrets masked.
func (s *Service) NotificationSettings() config.NotificationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Notification().Masked()
}

// NotificationUpdate changes notifier settings. Nil fields keep their
// current value; an empty string clears an endpoint.
type NotificationUpdate struct {
	WebhookURL   *string `json:"webhook_url"`
	MQTTBroker   *string `json:"mqtt_broker"`
	MQTTTopic    *string `json:"mqtt_topic"`
	AlertMessage *string `json:"alert_message"`
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// ApplyNotificationSettings updates the notifier settings and rebuilds
// the notifiers.
func (s *Service) ApplyNotificationSettings(u NotificationUpdate) error {
	s.mu.Lock()
	n := s.cfg.Notification()
	applyString(&n.WebhookURL, u.WebhookURL)
	applyString(&n.MQTTBroker, u.MQTTBroker)
	applyString(&n.MQTTTopic, u.MQTTTopic)
	applyString(&n.AlertMessage, u.AlertMessage)
	if err := s.cfg.ApplyNotification(n); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", detection.ErrInvalidInput, err)
	}
	old := s.sink
	s.sink = s.newSink(s.cfg.Notification())
	msg := s.cfg.GetAlertMessage()
	s.mu.Unlock()

	closeSink(old)
	s.agg.SetMessage(msg)
	monitoring.Logf("[pipeline] notification settings updated")
	return nil
}

// Alerts lists recent alerts from the mission log.
func (s *Service) Alerts(ctx context.Context, limit int) ([]db.AlertRecord, error) {
	if s.log == nil {
		return []db.AlertRecord{}, nil
	}
	return s.log.Alerts(ctx, limit)
}

// Missions lists recent missions from the mission log.
func (s *Service) Missions(ctx context.Context, limit int) ([]db.MissionRecord, error) {
	if s.log == nil {
		return []db.MissionRecord{}, nil
	}
	return s.log.Missions(ctx, limit)
}
