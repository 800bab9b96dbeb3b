// Package calibration holds the single-parameter pinhole camera calibration:
// a reference object width and the focal length derived from one sample.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrNotCalibrated is returned when a focal length is needed but none
	// has been derived or configured yet.
	ErrNotCalibrated = errors.New("camera not calibrated")

	// ErrInvalidCalibration is returned for non-positive calibration inputs.
	ErrInvalidCalibration = errors.New("invalid calibration input")
)

// DefaultKnownWidthCm is the reference width used until one is set: the
// approximate shoulder width of an adult.
const DefaultKnownWidthCm = 50.0

// State is a snapshot of the calibration.
type State struct {
	KnownWidthCm  float64   `json:"known_width_cm"`
	FocalLengthPx *float64  `json:"focal_length_px"`
	CalibratedAt  time.Time `json:"calibrated_at,omitempty"`
}

// Calibrated reports whether a focal length is available.
func (s State) Calibrated() bool { return s.FocalLengthPx != nil }

// Store is the process-wide calibration. It is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	knownWidthCm float64
	focalPx      float64
	calibrated   bool
	calibratedAt time.Time
	now          func() time.Time
}

// NewStore creates an uncalibrated store. A non-positive knownWidthCm
// selects DefaultKnownWidthCm.
func NewStore(knownWidthCm float64) *Store {
	if !positive(knownWidthCm) {
		knownWidthCm = DefaultKnownWidthCm
	}
	return &Store{knownWidthCm: knownWidthCm, now: time.Now}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1) && !math.IsNaN(v)
}

// SetKnownWidth replaces the reference width. The focal length is left as
// is; callers recalibrate explicitly.
func (s *Store) SetKnownWidth(widthCm float64) error {
	if !positive(widthCm) {
		return fmt.Errorf("%w: known width %g cm", ErrInvalidCalibration, widthCm)
	}
	s.mu.Lock()
	s.knownWidthCm = widthCm
	s.mu.Unlock()
	return nil
}

// Calibrate derives the focal length from an object of the known width
// seen refWidthPx wide at refDistanceCm:
//
//	focal = refWidthPx * refDistanceCm / knownWidthCm
func (s *Store) Calibrate(refWidthPx, refDistanceCm float64) (float64, error) {
	if !positive(refWidthPx) || !positive(refDistanceCm) {
		return 0, fmt.Errorf("%w: reference width %g px, distance %g cm", ErrInvalidCalibration, refWidthPx, refDistanceCm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrateLocked(refWidthPx, refDistanceCm), nil
}

// CalibrateWithWidth sets the known width and calibrates in one step, so
// no reader observes the new width with the old focal length.
func (s *Store) CalibrateWithWidth(knownWidthCm, refWidthPx, refDistanceCm float64) (float64, error) {
	if !positive(knownWidthCm) {
		return 0, fmt.Errorf("%w: known width %g cm", ErrInvalidCalibration, knownWidthCm)
	}
	if !positive(refWidthPx) || !positive(refDistanceCm) {
		return 0, fmt.Errorf("%w: reference width %g px, distance %g cm", ErrInvalidCalibration, refWidthPx, refDistanceCm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownWidthCm = knownWidthCm
	return s.calibrateLocked(refWidthPx, refDistanceCm), nil
}

func (s *Store) calibrateLocked(refWidthPx, refDistanceCm float64) float64 {
	s.focalPx = refWidthPx * refDistanceCm / s.knownWidthCm
	s.calibrated = true
	s.calibratedAt = s.now()
	return s.focalPx
}

// SetFocalLength installs a known focal length directly, e.g. from config.
func (s *Store) SetFocalLength(focalPx float64) error {
	if !positive(focalPx) {
		return fmt.Errorf("%w: focal length %g px", ErrInvalidCalibration, focalPx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focalPx = focalPx
	s.calibrated = true
	s.calibratedAt = s.now()
	return nil
}

// FocalLength returns the focal length in pixels or ErrNotCalibrated.
func (s *Store) FocalLength() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.calibrated {
		return 0, ErrNotCalibrated
	}
	return s.focalPx, nil
}

// KnownWidth returns the reference width in centimetres.
func (s *Store) KnownWidth() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.knownWidthCm
}

// Params returns the known width and focal length read together.
func (s *Store) Params() (knownWidthCm, focalPx float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.calibrated {
		return s.knownWidthCm, 0, ErrNotCalibrated
	}
	return s.knownWidthCm, s.focalPx, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{KnownWidthCm: s.knownWidthCm}
	if s.calibrated {
		f := s.focalPx
		st.FocalLengthPx = &f
		st.CalibratedAt = s.calibratedAt
	}
	return st
}
