package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/rescue"
	"github.com/banshee-data/lifeline/internal/vehicle"
)

// ErrNoTargets is returned by Dispatch when nothing could be ranged.
var ErrNoTargets = fmt.Errorf("%w: no rangeable targets", detection.ErrInvalidInput)

// RescueRequest asks for targets to be computed from ranged detections.
// CameraHeight and CameraAngle, when present, replace the camera pose.
type RescueRequest struct {
	DistanceInfo []rescue.Sighting `json:"distance_info"`
	rescue.Environment
	CameraHeight *float64 `json:"camera_height"`
	CameraAngle  *float64 `json:"camera_angle"`
}

// EnvironmentEcho repeats the conditions a response was computed under.
type EnvironmentEcho struct {
	rescue.Environment
	CameraHeight float64 `json:"camera_height"`
	CameraAngle  float64 `json:"camera_angle"`
}

// RescueResponse lists ranked targets, most urgent first.
type RescueResponse struct {
	Success         bool                  `json:"success"`
	RescueTargets   []rescue.RankedTarget `json:"rescue_targets"`
	TotalTargets    int                   `json:"total_targets"`
	HighestPriority *rescue.Urgency       `json:"highest_priority"`
	Environment     EnvironmentEcho       `json:"environment"`
}

// applyPose replaces the pose when the request supplies a different one.
func (s *Service) applyPose(height, angle *float64) (rescue.CameraPose, error) {
	cur := s.engine.Pose()
	if height == nil && angle == nil {
		return cur, nil
	}
	h, tilt := cur.HeightM, cur.TiltDegrees()
	if height != nil {
		if *height < 0 {
			return cur, fmt.Errorf("%w: camera height %g", detection.ErrInvalidInput, *height)
		}
		h = *height
	}
	if angle != nil {
		tilt = *angle
	}
	next := rescue.NewCameraPose(h, tilt)
	if next != cur {
		s.engine.SetPose(next)
		monitoring.Logf("[pipeline] camera pose replaced: height=%.2fm tilt=%.1fdeg", h, tilt)
	}
	return next, nil
}

// RescueCoordinates ranks every rangeable sighting by urgency.
func (s *Service) RescueCoordinates(ctx context.Context, req RescueRequest) (RescueResponse, error) {
	pose, err := s.applyPose(req.CameraHeight, req.CameraAngle)
	if err != nil {
		return RescueResponse{}, err
	}
	ranked, err := rescue.RankTargets(req.DistanceInfo, req.Environment, pose)
	if err != nil {
		return RescueResponse{}, err
	}

	s.mu.Lock()
	s.lastRanked = ranked
	s.mu.Unlock()

	return RescueResponse{
		Success:         true,
		RescueTargets:   ranked,
		TotalTargets:    len(ranked),
		HighestPriority: rescue.HighestPriority(ranked),
		Environment: EnvironmentEcho{
			Environment:  req.Environment,
			CameraHeight: pose.HeightM,
			CameraAngle:  pose.TiltDegrees(),
		},
	}, nil
}

// LastRanked returns the targets of the most recent ranking.
func (s *Service) LastRanked() []rescue.RankedTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rescue.RankedTarget, len(s.lastRanked))
	copy(out, s.lastRanked)
	return out
}

// CommandResponse is a single target and its vehicle command.
type CommandResponse struct {
	Success    bool           `json:"success"`
	RescueInfo rescue.Target  `json:"rescue_info"`
	Commands   rescue.Command `json:"commands"`
}

// RescueCommand computes one target with the current pose.
func (s *Service) RescueCommand(ctx context.Context, distanceM, angleXDeg, angleYDeg float64, env rescue.Environment) (CommandResponse, error) {
	t, err := s.engine.Compute(distanceM, angleXDeg, angleYDeg, env)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{Success: true, RescueInfo: t, Commands: rescue.BuildCommand(t)}, nil
}

// DispatchResponse describes a mission handed to the vehicle.
type DispatchResponse struct {
	Success      bool                `json:"success"`
	MissionID    string              `json:"mission_id"`
	Envelope     vehicle.Envelope    `json:"envelope"`
	Target       rescue.RankedTarget `json:"target"`
	TotalTargets int                 `json:"total_targets"`
}

// Dispatch ranks the request, sends the most urgent target's command to
// the vehicle, publishes it to stream clients and logs the mission. A
// link failure is returned and the mission is marked failed.
func (s *Service) Dispatch(ctx context.Context, req RescueRequest) (DispatchResponse, error) {
	ranked, err := s.RescueCoordinates(ctx, req)
	if err != nil {
		return DispatchResponse{}, err
	}
	if len(ranked.RescueTargets) == 0 {
		return DispatchResponse{}, ErrNoTargets
	}
	top := ranked.RescueTargets[0]
	env := vehicle.NewEnvelope(top.Commands, s.clock.Now())
	level := string(top.Urgency.Level)
	entry := monitoring.WithMission(env.MissionID, level)

	if s.log != nil {
		raw, err := json.Marshal(env.Command)
		if err != nil {
			return DispatchResponse{}, fmt.Errorf("encode command: %w", err)
		}
		if err := s.log.RecordMission(ctx, db.MissionRecord{
			ID:          env.MissionID,
			IssuedAt:    env.IssuedAt,
			Urgency:     level,
			Priority:    top.Urgency.Priority,
			TargetCount: ranked.TotalTargets,
			CommandJSON: string(raw),
			Status:      db.MissionSent,
		}); err != nil {
			entry.WithError(err).Error("failed to record mission")
		}
	}

	if err := s.link.Send(ctx, env); err != nil {
		entry.WithError(err).Error("vehicle link send failed")
		if s.log != nil {
			if serr := s.log.SetMissionStatus(ctx, env.MissionID, db.MissionFailed); serr != nil {
				monitoring.Logf("[pipeline] failed to mark mission %s failed: %v", env.MissionID, serr)
			}
		}
		return DispatchResponse{}, fmt.Errorf("dispatch mission %s: %w", env.MissionID, err)
	}

	if s.pub != nil {
		if err := s.pub.Publish(env); err != nil {
			entry.WithError(err).Warn("failed to publish mission to stream")
		}
	}
	entry.WithField("targets", ranked.TotalTargets).Info("mission dispatched")

	return DispatchResponse{
		Success:      true,
		MissionID:    env.MissionID,
		Envelope:     env,
		Target:       top,
		TotalTargets: ranked.TotalTargets,
	}, nil
}

// WatchAcks records vehicle acknowledgements until ctx is done or the
// link closes its subscriptions.
func (s *Service) WatchAcks(ctx context.Context) error {
	id, acks := s.link.Subscribe()
	defer s.link.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-acks:
			if !ok {
				return nil
			}
			s.recordAck(ctx, a)
		}
	}
}

func (s *Service) recordAck(ctx context.Context, a vehicle.Ack) {
	entry := monitoring.WithMission(a.MissionID, "").WithField("status", a.Status)
	if s.log == nil {
		entry.Info("vehicle ack")
		return
	}
	err := s.log.RecordAck(ctx, a.MissionID, a.Accepted(), a.Raw, a.ReceivedAt)
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Warn("failed to record vehicle ack")
		return
	}
	entry.Info("vehicle ack recorded")
}
