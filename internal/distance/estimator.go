// Package distance turns bounding boxes into range and bearing using the
// calibrated pinhole model:
//
//	distance = real_size * focal_length / pixel_size
//	bearing  = atan2(pixel_offset_from_centre, focal_length)
package distance

import (
	"fmt"
	"math"

	"github.com/banshee-data/lifeline/internal/calibration"
	"github.com/banshee-data/lifeline/internal/detection"
)

// DefaultKnownHeightCm is the assumed standing height of a person.
const DefaultKnownHeightCm = 170.0

// Method selects which box dimension drives the range estimate.
type Method string

const (
	MethodWidth  Method = "width"
	MethodHeight Method = "height"
)

// Estimator computes ranges against a shared calibration store.
type Estimator struct {
	cal           *calibration.Store
	knownHeightCm float64
}

// NewEstimator returns an Estimator reading focal length and known width
// from cal. A non-positive knownHeightCm selects DefaultKnownHeightCm.
func NewEstimator(cal *calibration.Store, knownHeightCm float64) *Estimator {
	if knownHeightCm <= 0 {
		knownHeightCm = DefaultKnownHeightCm
	}
	return &Estimator{cal: cal, knownHeightCm: knownHeightCm}
}

func checkPixels(name string, px float64) error {
	if !(px > 0) || math.IsInf(px, 1) {
		return fmt.Errorf("%w: object %s %g px", detection.ErrInvalidInput, name, px)
	}
	return nil
}

// EstimateFromWidth returns the range in centimetres of an object of the
// calibrated known width that appears widthPx wide.
func (e *Estimator) EstimateFromWidth(widthPx float64) (float64, error) {
	knownWidth, focal, err := e.cal.Params()
	if err != nil {
		return 0, err
	}
	if err := checkPixels("width", widthPx); err != nil {
		return 0, err
	}
	return knownWidth * focal / widthPx, nil
}

// EstimateFromHeight returns the range in centimetres of an object
// knownHeightCm tall that appears heightPx high. A non-positive
// knownHeightCm selects the estimator's default.
func (e *Estimator) EstimateFromHeight(heightPx, knownHeightCm float64) (float64, error) {
	focal, err := e.cal.FocalLength()
	if err != nil {
		return 0, err
	}
	if err := checkPixels("height", heightPx); err != nil {
		return 0, err
	}
	if knownHeightCm <= 0 {
		knownHeightCm = e.knownHeightCm
	}
	return knownHeightCm * focal / heightPx, nil
}

// EstimateFromBBox ranges a box by its width or height. The two are never
// blended.
func (e *Estimator) EstimateFromBBox(b detection.BBox, method Method) (float64, error) {
	switch method {
	case MethodWidth, "":
		return e.EstimateFromWidth(b.Width())
	case MethodHeight:
		return e.EstimateFromHeight(b.Height(), 0)
	default:
		return 0, fmt.Errorf("%w: unknown method %q", detection.ErrInvalidInput, method)
	}
}

// Estimate is the range and bearing of one box. Distance fields are nil
// when the box has no usable width.
type Estimate struct {
	DistanceCm    *float64 `json:"distance_cm"`
	DistanceM     *float64 `json:"distance_m"`
	CenterX       float64  `json:"center_x"`
	CenterY       float64  `json:"center_y"`
	AngleXDegrees float64  `json:"angle_x_degrees"`
	AngleYDegrees float64  `json:"angle_y_degrees"`
	Position      string   `json:"position"`
}

// EstimateFromCenter computes the bearing of the box centre from the
// optical axis and its width-based range. Angles are positive to the right
// and below. A degenerate box yields nil distances rather than an error;
// only a missing calibration fails.
func (e *Estimator) EstimateFromCenter(b detection.BBox, imageWidth, imageHeight float64) (Estimate, error) {
	focal, err := e.cal.FocalLength()
	if err != nil {
		return Estimate{}, err
	}

	cx, cy := b.Center()
	est := Estimate{
		CenterX:       cx,
		CenterY:       cy,
		AngleXDegrees: math.Atan2(cx-imageWidth/2, focal) * 180 / math.Pi,
		AngleYDegrees: math.Atan2(cy-imageHeight/2, focal) * 180 / math.Pi,
	}

	if cm, err := e.EstimateFromWidth(b.Width()); err == nil {
		m := cm / 100
		est.DistanceCm = &cm
		est.DistanceM = &m
	}
	est.Position = PositionLabel(est.AngleXDegrees, est.AngleYDegrees, est.DistanceM)
	return est, nil
}

// ObjectEstimate tags an Estimate with the detection it came from.
type ObjectEstimate struct {
	ObjectID   int            `json:"object_id"`
	ClassID    int            `json:"class_id"`
	Confidence float64        `json:"confidence"`
	BBox       detection.BBox `json:"bbox"`
	Estimate
}

// EstimateDetections ranges every detection of a frame, in order.
func (e *Estimator) EstimateDetections(dets []detection.Detection, imageWidth, imageHeight int) ([]ObjectEstimate, error) {
	out := make([]ObjectEstimate, 0, len(dets))
	for _, d := range dets {
		est, err := e.EstimateFromCenter(d.BBox, float64(imageWidth), float64(imageHeight))
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectEstimate{
			ObjectID:   d.ObjectID,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			Estimate:   est,
		})
	}
	return out, nil
}

const angleBucketDeg = 10.0

// PositionLabel renders a display string such as
// "very close (15.5m), right center". Range buckets are in metres:
// <100 very close, <300 close, <500 medium, <1000 far, else very far.
// The horizontal bucket is left/center/right and the vertical one
// above/center/below, split at ±10°. A nil distance gives "Unknown".
func PositionLabel(angleXDeg, angleYDeg float64, distanceM *float64) string {
	if distanceM == nil {
		return "Unknown"
	}
	d := *distanceM

	horizontal := "center"
	if angleXDeg > angleBucketDeg {
		horizontal = "right"
	} else if angleXDeg < -angleBucketDeg {
		horizontal = "left"
	}
	vertical := "center"
	if angleYDeg > angleBucketDeg {
		vertical = "below"
	} else if angleYDeg < -angleBucketDeg {
		vertical = "above"
	}

	var rng string
	switch {
	case d < 100:
		rng = "very close"
	case d < 300:
		rng = "close"
	case d < 500:
		rng = "medium"
	case d < 1000:
		rng = "far"
	default:
		rng = "very far"
	}
	return fmt.Sprintf("%s (%.1fm), %s %s", rng, d, horizontal, vertical)
}
