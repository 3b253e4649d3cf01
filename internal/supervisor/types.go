package supervisor

import (
	"fmt"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// StageStatus is the motion state of the stage.
type StageStatus int

const (
	StageLocked StageStatus = iota
	StageIdle
	StageMoving
)

func (s StageStatus) String() string {
	switch s {
	case StageLocked:
		return "locked"
	case StageIdle:
		return "idle"
	case StageMoving:
		return "moving"
	default:
		return fmt.Sprintf("StageStatus(%d)", int(s))
	}
}

func (s StageStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StageState is a snapshot of the stage.
type StageState struct {
	Coordinates    hw.Coordinates `json:"coordinates"`
	Steps          [3]int         `json:"steps"`
	Endstops       [3]bool        `json:"endstops"`
	Status         StageStatus    `json:"status"`
	BypassEndstops bool           `json:"bypass_endstops"`
}

// ControlState is a snapshot of everything an operator can change.
type ControlState struct {
	LaserArmed        bool       `json:"laser_armed"`
	LaserPower        float64    `json:"laser_power"`
	IlluminationEn    bool       `json:"illumination_en"`
	IlluminationPower float64    `json:"illumination_power"`
	TargetEn          bool       `json:"target_en"`
	TargetPowered     bool       `json:"target_powered"`
	SerialConnected   bool       `json:"serial_connected"`
	Stage             StageState `json:"stage"`
}

// Direction is a one-step stage move.
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down
	In
	Out
)

var directionNames = [...]string{
	Left:  "left",
	Right: "right",
	Up:    "up",
	Down:  "down",
	In:    "in",
	Out:   "out",
}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

// ParseDirection maps "left", "right", "up", "down", "in" and "out".
func ParseDirection(s string) (Direction, error) {
	for d, name := range directionNames {
		if name == s {
			return Direction(d), nil
		}
	}
	return 0, &ParameterError{Name: "direction", Value: s}
}

// axis returns the axis index moved by d and the sign of the move.
func (d Direction) axis() (int, int32) {
	switch d {
	case Left:
		return 0, -1
	case Right:
		return 0, 1
	case Up:
		return 1, 1
	case Down:
		return 1, -1
	case In:
		return 2, 1
	default:
		return 2, -1
	}
}

// Health is the detail behind IsHealthy.
type Health struct {
	Healthy         bool                `json:"healthy"`
	TargetMode      string              `json:"target_mode"`
	SerialConnected bool                `json:"serial_connected"`
	SerialOverdue   bool                `json:"serial_overdue"`
	Resources       []hw.ResourceStatus `json:"resources"`
}
