package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/distance"
)

// DetectOptions tune one ProcessFrame call. Nil fields use the configured
// defaults.
type DetectOptions struct {
	Confidence       *float64 `json:"confidence"`
	EstimateDistance *bool    `json:"estimate_distance"`
}

// DetectResult is the response to one frame.
type DetectResult struct {
	Success                   bool                      `json:"success"`
	DetectedObjects           int                       `json:"detected_objects"`
	Classes                   []int                     `json:"classes"`
	AlertTriggered            bool                      `json:"alert_triggered"`
	AlertID                   string                    `json:"alert_id,omitempty"`
	Confidence                float64                   `json:"confidence"`
	Timestamp                 float64                   `json:"timestamp"`
	DistanceInfo              []distance.ObjectEstimate `json:"distance_info,omitempty"`
	DistanceEstimationEnabled bool                      `json:"distance_estimation_enabled"`
	WindowFrames              int                       `json:"window_frames"`
}

// ProcessFrame filters the frame's detections by confidence, ranges them
// when the camera is calibrated, and feeds their classes to the alert
// window. An uncalibrated camera silently disables ranging. Notification
// failures never fail the call.
func (s *Service) ProcessFrame(ctx context.Context, f detection.Frame, opts DetectOptions) (DetectResult, error) {
	if err := f.Validate(); err != nil {
		return DetectResult{}, err
	}

	s.mu.RLock()
	threshold := s.cfg.GetConfidenceThreshold()
	s.mu.RUnlock()
	if opts.Confidence != nil {
		threshold = *opts.Confidence
		if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
			return DetectResult{}, fmt.Errorf("%w: confidence threshold %g outside [0,1]", detection.ErrInvalidInput, threshold)
		}
	}
	estimate := opts.EstimateDistance == nil || *opts.EstimateDistance

	dets := detection.FilterByConfidence(f.Detections, threshold)
	res := DetectResult{
		Success:         true,
		DetectedObjects: len(dets),
		Classes:         detection.ClassIDs(dets),
		Confidence:      threshold,
	}

	if estimate && len(dets) > 0 && s.cal.Snapshot().Calibrated() {
		info, err := s.est.EstimateDetections(dets, f.ImageWidth, f.ImageHeight)
		if err != nil {
			// Calibration cleared between the check and the estimate.
			info = nil
		}
		res.DistanceInfo = info
	}
	res.DistanceEstimationEnabled = len(res.DistanceInfo) > 0

	dec := s.agg.Observe(res.Classes, f.Image)
	res.AlertTriggered = dec.Fired
	if dec.Alert != nil {
		res.AlertID = dec.Alert.ID
	}
	res.WindowFrames = dec.WindowFrames
	res.Timestamp = unixSeconds(s.clock.Now())
	return res, nil
}

// HandleFrame processes a frame received from the network with default
// options.
func (s *Service) HandleFrame(ctx context.Context, f detection.Frame) error {
	_, err := s.ProcessFrame(ctx, f, DetectOptions{})
	return err
}
