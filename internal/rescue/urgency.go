package rescue

import "math"

// Urgency is the coarse dispatch tier of a target.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

const (
	urgencyRangeM = 50.0 // distance at which the range factor reaches zero
	urgencyDepthM = 3.0  // |z| at which the depth factor saturates
	nominalSpeed  = 2.0  // m/s, also the transit-time divisor
)

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// UrgencyScore weighs closeness (70%) and vertical offset (30%):
//
//	0.7*clamp(1 - d/50) + 0.3*clamp(|z|/3)
func UrgencyScore(distanceM, zM float64) float64 {
	return 0.7*clamp01(1-distanceM/urgencyRangeM) + 0.3*clamp01(math.Abs(zM)/urgencyDepthM)
}

// ClassifyUrgency buckets a score: >0.8 CRITICAL, >0.6 HIGH, >0.4 MEDIUM.
func ClassifyUrgency(score float64) Urgency {
	switch {
	case score > 0.8:
		return UrgencyCritical
	case score > 0.6:
		return UrgencyHigh
	case score > 0.4:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Priority maps CRITICAL..LOW to 1..4; lower sorts first.
func (u Urgency) Priority() int {
	switch u {
	case UrgencyCritical:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 3
	default:
		return 4
	}
}

// Description is the operator-facing text for a tier.
func (u Urgency) Description() string {
	switch u {
	case UrgencyCritical:
		return "Person in distress very close and deep - immediate rescue required!"
	case UrgencyHigh:
		return "Person in distress nearby - rescue quickly"
	case UrgencyMedium:
		return "Person in distress at medium distance"
	case UrgencyLow:
		return "Person in distress far away - monitor and prepare rescue"
	default:
		return "Unknown"
	}
}

// Speed is the approach speed in m/s for the tier, never above the
// vehicle's 5 m/s limit.
func (u Urgency) Speed() float64 {
	switch u {
	case UrgencyCritical:
		return math.Min(5.0, nominalSpeed*2.5)
	case UrgencyHigh:
		return math.Min(4.0, nominalSpeed*2.0)
	case UrgencyMedium:
		return math.Min(3.0, nominalSpeed*1.5)
	default:
		return nominalSpeed
	}
}

// EmergencyContact reports whether shore staff are paged for the tier.
func (u Urgency) EmergencyContact() bool {
	return u == UrgencyCritical || u == UrgencyHigh
}

// DepthMode tells the vehicle how to hold depth on approach.
type DepthMode string

const (
	DepthDiveDeep     DepthMode = "DIVE_DEEP"
	DepthDiveShallow  DepthMode = "DIVE_SHALLOW"
	DepthFloatHigh    DepthMode = "FLOAT_HIGH"
	DepthSurfaceLevel DepthMode = "SURFACE_LEVEL"
)

// ClassifyDepth maps the vertical offset z (metres, negative below the
// surface reference) to a depth mode.
func ClassifyDepth(zM float64) DepthMode {
	switch {
	case zM < -2.0:
		return DepthDiveDeep
	case zM < -0.5:
		return DepthDiveShallow
	case zM > 0.5:
		return DepthFloatHigh
	default:
		return DepthSurfaceLevel
	}
}
