package rescue

import (
	"fmt"
	"sort"
)

// Sighting is one ranged detection offered for ranking. A nil DistanceM
// means the detector could not range the object; such sightings are
// skipped.
type Sighting struct {
	ObjectID      int      `json:"object_id"`
	ClassID       int      `json:"class_id"`
	Confidence    float64  `json:"confidence"`
	DistanceM     *float64 `json:"distance_m"`
	AngleXDegrees *float64 `json:"angle_x_degrees"`
	AngleYDegrees *float64 `json:"angle_y_degrees"`
}

// RankedTarget is a computed target with its origin and command.
type RankedTarget struct {
	TargetID   int     `json:"target_id"`
	ObjectID   int     `json:"object_id"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Target
	Commands Command `json:"commands"`
}

// RankTargets computes every rangeable sighting and orders the results by
// priority, keeping input order among equals. TargetID is the sighting's
// index in the input. Empty input gives an empty, non-nil slice.
func RankTargets(sightings []Sighting, env Environment, pose CameraPose) ([]RankedTarget, error) {
	out := make([]RankedTarget, 0, len(sightings))
	for i, s := range sightings {
		if s.DistanceM == nil || s.AngleXDegrees == nil || s.AngleYDegrees == nil {
			continue
		}
		t, err := Compute(*s.DistanceM, *s.AngleXDegrees, *s.AngleYDegrees, env, pose)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		out = append(out, RankedTarget{
			TargetID:   i,
			ObjectID:   s.ObjectID,
			ClassID:    s.ClassID,
			Confidence: s.Confidence,
			Target:     t,
			Commands:   BuildCommand(t),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Urgency.Priority < out[j].Urgency.Priority
	})
	return out, nil
}

// HighestPriority returns the level of the first ranked target, or nil.
func HighestPriority(ranked []RankedTarget) *Urgency {
	if len(ranked) == 0 {
		return nil
	}
	u := ranked[0].Urgency.Level
	return &u
}

// RankTargets runs RankTargets with the engine's current pose.
func (e *Engine) RankTargets(sightings []Sighting, env Environment) ([]RankedTarget, error) {
	return RankTargets(sightings, env, e.Pose())
}
