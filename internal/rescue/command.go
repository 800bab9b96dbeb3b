package rescue

// CommandTypeRescueMission is the only command type the vehicle accepts.
const CommandTypeRescueMission = "RESCUE_MISSION"

// Safety envelope sent with every command.
const (
	MaxSpeedMps = 5.0
	DepthLimitM = -10.0
)

// Point is a target position in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Movement is the heading, speed and depth hold to use.
type Movement struct {
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	DepthMode DepthMode `json:"depth_mode"`
}

// Mission carries dispatch metadata.
type Mission struct {
	Priority          Urgency `json:"priority"`
	EstimatedDuration float64 `json:"estimated_duration"`
	AutoReturn        bool    `json:"auto_return"`
	EmergencyContact  bool    `json:"emergency_contact"`
}

// Safety is the fixed envelope the vehicle enforces.
type Safety struct {
	MaxSpeed          float64 `json:"max_speed"`
	DepthLimit        float64 `json:"depth_limit"`
	BatteryCheck      bool    `json:"battery_check"`
	ObstacleAvoidance bool    `json:"obstacle_avoidance"`
}

// Command is the payload handed to the vehicle controller.
type Command struct {
	CommandType       string   `json:"command_type"`
	TargetCoordinates Point    `json:"target_coordinates"`
	Movement          Movement `json:"movement"`
	Mission           Mission  `json:"mission"`
	Safety            Safety   `json:"safety"`
}

// BuildCommand packages a computed target.
func BuildCommand(t Target) Command {
	return Command{
		CommandType: CommandTypeRescueMission,
		TargetCoordinates: Point{
			X: t.Coordinates.XM,
			Y: t.Coordinates.YM,
			Z: t.Coordinates.ZM,
		},
		Movement: Movement{
			Heading:   t.Navigation.HeadingDegrees,
			Speed:     t.Control.SpeedMps,
			DepthMode: t.Navigation.DepthAdjustment,
		},
		Mission: Mission{
			Priority:          t.Urgency.Level,
			EstimatedDuration: t.Control.EstimatedTimeSeconds,
			AutoReturn:        true,
			EmergencyContact:  t.Urgency.Level.EmergencyContact(),
		},
		Safety: Safety{
			MaxSpeed:          MaxSpeedMps,
			DepthLimit:        DepthLimitM,
			BatteryCheck:      true,
			ObstacleAvoidance: true,
		},
	}
}
