// Package drive provides the motor command model and the pure laws that
// turn targets and operator input into motor speeds.
package drive

import "fmt"

// MotorID identifies a motor on the platform.
type MotorID int

// Motors of the platform.
const (
	LeftDrive  MotorID = 1 // differential pair, left side
	RightDrive MotorID = 2 // differential pair, right side
	Aux        MotorID = 3 // independent axis (rotation/tilt)
)

// Speed limits accepted by the motor controller.
const (
	MaxSpeed = 255
	MinSpeed = -255
)

// AllMotors returns all motor IDs in order.
func AllMotors() []MotorID {
	return []MotorID{LeftDrive, RightDrive, Aux}
}

// Valid reports whether id is a known motor.
func (id MotorID) Valid() bool {
	return id >= LeftDrive && id <= Aux
}

func (id MotorID) String() string {
	switch id {
	case LeftDrive:
		return "left"
	case RightDrive:
		return "right"
	case Aux:
		return "aux"
	}
	return fmt.Sprintf("motor(%d)", int(id))
}

// Command is a single speed command for one motor.
type Command struct {
	Motor MotorID
	Speed int
}

// Clamped returns c with its speed limited to [MinSpeed, MaxSpeed].
func (c Command) Clamped() Command {
	c.Speed = Clamp(c.Speed)
	return c
}

func (c Command) String() string {
	return fmt.Sprintf("%d,%d", int(c.Motor), c.Speed)
}

// Triple holds one command per motor, in motor order.
type Triple [3]Command

// Stop returns the all-zero command triple.
func Stop() Triple {
	return Triple{{LeftDrive, 0}, {RightDrive, 0}, {Aux, 0}}
}

// NewTriple builds a clamped triple from raw speeds.
func NewTriple(left, right, aux int) Triple {
	return Triple{
		{LeftDrive, Clamp(left)},
		{RightDrive, Clamp(right)},
		{Aux, Clamp(aux)},
	}
}

// IsStop reports whether every speed in t is zero.
func (t Triple) IsStop() bool {
	for _, c := range t {
		if c.Speed != 0 {
			return false
		}
	}
	return true
}

// Clamp limits speed to [MinSpeed, MaxSpeed].
func Clamp(speed int) int {
	return max(MinSpeed, min(MaxSpeed, speed))
}
