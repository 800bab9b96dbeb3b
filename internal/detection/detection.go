// Package detection defines the per-frame detector output consumed by the
// rest of the service. The detector itself is external; this package only
// validates and filters what it produces.
package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInput marks malformed caller input: degenerate boxes,
// out-of-range confidences, non-positive sizes or distances.
var ErrInvalidInput = errors.New("invalid input")

// BBox is an axis-aligned pixel rectangle. It is encoded on the wire as
// [x1, y1, x2, y2].
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Width returns x2-x1.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns y2-y1.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Center returns the rectangle's midpoint.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Validate rejects boxes with non-finite coordinates or x2<=x1, y2<=y1.
func (b BBox) Validate() error {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bbox coordinate is not finite", ErrInvalidInput)
		}
	}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("%w: degenerate bbox [%g %g %g %g]", ErrInvalidInput, b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("%w: bbox needs 4 values, got %d", ErrInvalidInput, len(v))
	}
	*b = BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// Detection is one object found in a frame.
type Detection struct {
	ObjectID   int       `json:"object_id"`
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name,omitempty"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Validate checks the box and that confidence lies in [0,1].
func (d Detection) Validate() error {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %g outside [0,1]", ErrInvalidInput, d.Confidence)
	}
	if err := d.BBox.Validate(); err != nil {
		return fmt.Errorf("object %d: %w", d.ObjectID, err)
	}
	return nil
}

// Frame is the detector output for one image.
type Frame struct {
	CameraID    string      `json:"camera_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp,omitempty"`
	ImageWidth  int         `json:"image_width"`
	ImageHeight int         `json:"image_height"`
	Detections  []Detection `json:"detections"`
	// Image optionally carries the encoded source frame (base64 in JSON),
	// used only for alert thumbnails.
	Image []byte `json:"image,omitempty"`
}

// Validate checks image dimensions and every detection.
func (f Frame) Validate() error {
	if f.ImageWidth <= 0 || f.ImageHeight <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidInput, f.ImageWidth, f.ImageHeight)
	}
	for i, d := range f.Detections {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detection %d: %w", i, err)
		}
	}
	return nil
}

// FilterByConfidence returns the detections whose confidence is at least
// threshold, in input order.
func FilterByConfidence(dets []Detection, threshold float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// ClassIDs returns the class id of every detection, in order.
func ClassIDs(dets []Detection) []int {
	ids := make([]int, len(dets))
	for i, d := range dets {
		ids[i] = d.ClassID
	}
	return ids
}

// MeanConfidence returns the average confidence, 0 for an empty slice.
func MeanConfidence(dets []Detection) float64 {
	if len(dets) == 0 {
		return 0
	}
	var sum float64
	for _, d := range dets {
		sum += d.Confidence
	}
	return sum / float64(len(dets))
}
