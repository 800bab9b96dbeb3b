// Package rescue converts a range and bearing into a drift-compensated 3D
// target, scores its urgency and packages the vehicle command.
//
// Frame: x is lateral (positive right), y is forward along the optical
// axis, z is vertical relative to the water surface under the camera.
// Headings are degrees clockwise from +y in [0, 360).
package rescue

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lifeline/internal/detection"
)

// DefaultCameraHeightM is the mast height used until a pose is supplied.
const DefaultCameraHeightM = 5.0

// CameraPose is the camera's mounting. It is replaced as a whole.
type CameraPose struct {
	HeightM float64
	TiltRad float64
}

// NewCameraPose builds a pose from a height in metres and a tilt in degrees.
func NewCameraPose(heightM, tiltDeg float64) CameraPose {
	return CameraPose{HeightM: heightM, TiltRad: tiltDeg * math.Pi / 180}
}

// TiltDegrees returns the tilt in degrees.
func (p CameraPose) TiltDegrees() float64 {
	return p.TiltRad * 180 / math.Pi
}

// Environment describes the water around the target.
type Environment struct {
	WaterLevelM         float64 `json:"water_level"`
	CurrentDirectionDeg float64 `json:"current_direction"`
	CurrentSpeedMps     float64 `json:"current_speed"`
}

// Coordinates is the drift-compensated target position.
type Coordinates struct {
	XM        float64 `json:"x_m"`
	YM        float64 `json:"y_m"`
	ZM        float64 `json:"z_m"`
	DistanceM float64 `json:"distance_m"`
}

// Control is the approach the vehicle should fly.
type Control struct {
	TargetAngleDegrees   float64 `json:"target_angle_degrees"`
	TargetAngleRadians   float64 `json:"target_angle_radians"`
	SpeedMps             float64 `json:"speed_mps"`
	EstimatedTimeSeconds float64 `json:"estimated_time_seconds"`
}

// Drift records the current compensation applied.
type Drift struct {
	CurrentDriftX    float64 `json:"current_drift_x"`
	CurrentDriftY    float64 `json:"current_drift_y"`
	CurrentSpeed     float64 `json:"current_speed"`
	CurrentDirection float64 `json:"current_direction"`
}

// UrgencyInfo is the scored tier.
type UrgencyInfo struct {
	Level       Urgency `json:"level"`
	Priority    int     `json:"priority"`
	Description string  `json:"description"`
}

// Navigation repeats heading and range in the form vehicle firmware reads.
type Navigation struct {
	HeadingDegrees   float64   `json:"heading_degrees"`
	DistanceToTarget float64   `json:"distance_to_target"`
	DepthAdjustment  DepthMode `json:"depth_adjustment"`
}

// Target is the full result for one range/bearing.
type Target struct {
	Coordinates Coordinates `json:"coordinates"`
	Control     Control     `json:"control"`
	Environment Drift       `json:"environment"`
	Urgency     UrgencyInfo `json:"urgency"`
	Navigation  Navigation  `json:"navigation"`
	// Score is the unrounded urgency score.
	Score float64 `json:"-"`
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Compute places a target seen distanceM away at the given bearing.
//
//  1. Position: x = d cos(ay) sin(ax), y = d cos(ay) cos(ax),
//     z = d sin(ay) - height + water_level.
//  2. Drift: the current vector times a transit time of d/2 s, added to
//     x and y. This is one fixed-point step, not iterated.
//  3. Heading and range are taken from the compensated x/y.
//
// Urgency uses the input distance and unrounded z. Output coordinates are
// rounded to 2 places, angles and times to 1, radians to 3.
func Compute(distanceM, angleXDeg, angleYDeg float64, env Environment, pose CameraPose) (Target, error) {
	if !(distanceM > 0) || math.IsInf(distanceM, 1) {
		return Target{}, fmt.Errorf("%w: distance %g m", detection.ErrInvalidInput, distanceM)
	}
	if !finite(angleXDeg, angleYDeg, env.WaterLevelM, env.CurrentDirectionDeg, env.CurrentSpeedMps, pose.HeightM) {
		return Target{}, fmt.Errorf("%w: non-finite angle or environment value", detection.ErrInvalidInput)
	}

	ax := angleXDeg * math.Pi / 180
	ay := angleYDeg * math.Pi / 180
	pos := r3.Vec{
		X: distanceM * math.Cos(ay) * math.Sin(ax),
		Y: distanceM * math.Cos(ay) * math.Cos(ax),
		Z: distanceM*math.Sin(ay) - pose.HeightM + env.WaterLevelM,
	}

	cur := env.CurrentDirectionDeg * math.Pi / 180
	transit := distanceM / nominalSpeed
	drift := r3.Scale(env.CurrentSpeedMps*transit, r3.Vec{X: math.Sin(cur), Y: math.Cos(cur)})
	final := r3.Add(pos, drift)

	heading := math.Atan2(final.X, final.Y) * 180 / math.Pi
	if heading < 0 {
		heading += 360
	}
	if heading >= 359.95 {
		heading = 0 // would round to 360.0
	}
	headingOut := round(heading, 1)
	planar := r3.Norm(r3.Vec{X: final.X, Y: final.Y})

	score := UrgencyScore(distanceM, pos.Z)
	level := ClassifyUrgency(score)

	return Target{
		Coordinates: Coordinates{
			XM:        round(final.X, 2),
			YM:        round(final.Y, 2),
			ZM:        round(final.Z, 2),
			DistanceM: round(planar, 2),
		},
		Control: Control{
			TargetAngleDegrees:   headingOut,
			TargetAngleRadians:   round(heading*math.Pi/180, 3),
			SpeedMps:             level.Speed(),
			EstimatedTimeSeconds: round(planar/nominalSpeed, 1),
		},
		Environment: Drift{
			CurrentDriftX:    round(drift.X, 2),
			CurrentDriftY:    round(drift.Y, 2),
			CurrentSpeed:     env.CurrentSpeedMps,
			CurrentDirection: env.CurrentDirectionDeg,
		},
		Urgency: UrgencyInfo{
			Level:       level,
			Priority:    level.Priority(),
			Description: level.Description(),
		},
		Navigation: Navigation{
			HeadingDegrees:   headingOut,
			DistanceToTarget: round(planar, 2),
			DepthAdjustment:  ClassifyDepth(pos.Z),
		},
		Score: score,
	}, nil
}

// Engine holds the current camera pose. Every computation reads the pose
// once, so a concurrent SetPose never mixes old and new values.
type Engine struct {
	mu   sync.RWMutex
	pose CameraPose
}

// NewEngine returns an Engine with the given pose.
func NewEngine(pose CameraPose) *Engine {
	return &Engine{pose: pose}
}

// Pose returns the current pose.
func (e *Engine) Pose() CameraPose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pose
}

// SetPose replaces the pose.
func (e *Engine) SetPose(p CameraPose) {
	e.mu.Lock()
	e.pose = p
	e.mu.Unlock()
}

// Compute runs Compute with the current pose.
func (e *Engine) Compute(distanceM, angleXDeg, angleYDeg float64, env Environment) (Target, error) {
	return Compute(distanceM, angleXDeg, angleYDeg, env, e.Pose())
}
