// Package notify delivers fired alerts to external collaborators: an HTTP
// webhook, an MQTT topic and the process log.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// ErrDeliveryFailed wraps every notifier failure. The aggregator logs it
// and carries on; it never reaches the detection caller.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Sink receives alerts. Any Sink is an aggregator.Handler.
type Sink interface {
	HandleAlert(ctx context.Context, a aggregator.Alert) error
}

var _ aggregator.Handler = (Sink)(nil)

func deliveryError(sink string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, sink, err)
}

// Fanout calls every sink in order and joins their errors.
type Fanout []Sink

// HandleAlert implements Sink.
func (f Fanout) HandleAlert(ctx context.Context, a aggregator.Alert) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.HandleAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the alert to the structured log.
type LogSink struct{}

// HandleAlert implements Sink.
func (LogSink) HandleAlert(_ context.Context, a aggregator.Alert) error {
	monitoring.WithAlert(a.ID, a.ClassID, a.WindowFrames).
		WithField("detections", a.WindowDetections).
		Info(a.Message)
	return nil
}

// Payload is the JSON document sent to webhooks and MQTT subscribers.
type Payload struct {
	Message string           `json:"message"`
	Alert   aggregator.Alert `json:"alert"`
	// Thumbnail is a JPEG, base64 encoded by encoding/json.
	Thumbnail []byte `json:"thumbnail,omitempty"`
}

// NewPayload builds the outbound document. A snapshot that fails to
// decode is logged and omitted.
func NewPayload(a aggregator.Alert) Payload {
	p := Payload{Message: a.Message, Alert: a}
	if len(a.Snapshot) == 0 {
		return p
	}
	thumb, err := Thumbnail(a.Snapshot, DefaultThumbnailSize)
	if err != nil {
		monitoring.Logf("[notify] alert %s: snapshot skipped: %v", a.ID, err)
		return p
	}
	p.Thumbnail = thumb
	return p
}
