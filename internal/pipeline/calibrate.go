package pipeline

import (
	"context"

	"github.com/banshee-data/lifeline/internal/calibration"
	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// CalibrateRequest carries one reference sample. Nil fields default to
// 200px, 100cm and 50cm.
type CalibrateRequest struct {
	ReferenceWidthPx    *float64 `json:"reference_width_pixels"`
	ReferenceDistanceCm *float64 `json:"reference_distance_cm"`
	ReferenceWidthCm    *float64 `json:"reference_width_cm"`
}

// CalibrateResult is returned after a successful calibration.
type CalibrateResult struct {
	Success             bool    `json:"success"`
	Message             string  `json:"message"`
	FocalLength         float64 `json:"focal_length"`
	ReferenceWidthPx    float64 `json:"reference_width_pixels"`
	KnownWidthCm        float64 `json:"known_width_cm"`
	ReferenceDistanceCm float64 `json:"reference_distance_cm"`
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Calibrate sets the known width and derives the focal length in one
// step, then records the event.
func (s *Service) Calibrate(ctx context.Context, req CalibrateRequest) (CalibrateResult, error) {
	px := valueOr(req.ReferenceWidthPx, 200)
	dist := valueOr(req.ReferenceDistanceCm, 100)
	width := valueOr(req.ReferenceWidthCm, calibration.DefaultKnownWidthCm)

	focal, err := s.cal.CalibrateWithWidth(width, px, dist)
	if err != nil {
		return CalibrateResult{}, err
	}
	monitoring.Logf("[pipeline] calibrated: focal=%.2fpx from %.1fpx at %.1fcm (width %.1fcm)", focal, px, dist, width)

	s.recordCalibration(ctx, db.CalibrationRecord{
		CalibratedAt:        s.clock.Now(),
		KnownWidthCm:        width,
		ReferenceWidthPx:    &px,
		ReferenceDistanceCm: &dist,
		FocalLengthPx:       focal,
		Source:              "reference",
	})
	return CalibrateResult{
		Success:             true,
		Message:             "Camera calibrated successfully",
		FocalLength:         focal,
		ReferenceWidthPx:    px,
		KnownWidthCm:        width,
		ReferenceDistanceCm: dist,
	}, nil
}

// SetKnownWidth replaces the reference width. The focal length is kept.
func (s *Service) SetKnownWidth(ctx context.Context, widthCm float64) (calibration.State, error) {
	if err := s.cal.SetKnownWidth(widthCm); err != nil {
		return calibration.State{}, err
	}
	st := s.cal.Snapshot()
	if st.FocalLengthPx != nil {
		s.recordCalibration(ctx, db.CalibrationRecord{
			CalibratedAt:  s.clock.Now(),
			KnownWidthCm:  st.KnownWidthCm,
			FocalLengthPx: *st.FocalLengthPx,
			Source:        "known_width",
		})
	}
	return st, nil
}

func (s *Service) recordCalibration(ctx context.Context, rec db.CalibrationRecord) {
	if s.log == nil {
		return
	}
	if err := s.log.RecordCalibration(ctx, rec); err != nil {
		monitoring.Logf("[pipeline] failed to record calibration: %v", err)
	}
}
