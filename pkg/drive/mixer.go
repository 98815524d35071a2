package drive

import "strings"

// Flag identifies one of the eight manual input flags.
type Flag uint8

// Manual input flags, in the order of the operator key row (z q s d c v Z S).
const (
	Forward Flag = iota
	Left
	Back
	Right
	RotateLeft
	RotateRight
	FastForward
	FastBack

	NumFlags = 8
)

var flagNames = [NumFlags]string{
	"forward", "left", "back", "right",
	"rotate_left", "rotate_right", "fast_forward", "fast_back",
}

func (f Flag) String() string {
	if int(f) < NumFlags {
		return flagNames[f]
	}
	return "unknown"
}

// Mixing gains of the teleop law.
const (
	DriveGain = 125
	AuxGain   = 200
)

// Manual is a snapshot of the operator's eight input flags.
// Flags are independent; opposing flags may be set together.
type Manual struct {
	Forward     bool
	Left        bool
	Back        bool
	Right       bool
	RotateLeft  bool
	RotateRight bool
	FastForward bool
	FastBack    bool
}

// ManualFromBits builds a snapshot from a bit set indexed by Flag.
func ManualFromBits(bits uint32) Manual {
	on := func(f Flag) bool { return bits&(1<<f) != 0 }
	return Manual{
		Forward:     on(Forward),
		Left:        on(Left),
		Back:        on(Back),
		Right:       on(Right),
		RotateLeft:  on(RotateLeft),
		RotateRight: on(RotateRight),
		FastForward: on(FastForward),
		FastBack:    on(FastBack),
	}
}

// Bits returns m as a bit set indexed by Flag.
func (m Manual) Bits() uint32 {
	var bits uint32
	for f, on := range m.flags() {
		if on {
			bits |= 1 << f
		}
	}
	return bits
}

// Any reports whether at least one flag is set.
func (m Manual) Any() bool {
	return m.Bits() != 0
}

func (m Manual) String() string {
	var active []string
	for f, on := range m.flags() {
		if on {
			active = append(active, Flag(f).String())
		}
	}
	if len(active) == 0 {
		return "none"
	}
	return strings.Join(active, "+")
}

func (m Manual) flags() [NumFlags]bool {
	return [NumFlags]bool{
		m.Forward, m.Left, m.Back, m.Right,
		m.RotateLeft, m.RotateRight, m.FastForward, m.FastBack,
	}
}

// Mix applies the teleop mixing law: forward/back drive both motors
// together, left/right steer them in opposition and the rotate flags drive
// the aux axis. Results are clamped to the controller's speed range.
func Mix(m Manual) Triple {
	z, q, s, d := b2i(m.Forward), b2i(m.Left), b2i(m.Back), b2i(m.Right)
	c, v := b2i(m.RotateLeft), b2i(m.RotateRight)
	fz, fs := b2i(m.FastForward), b2i(m.FastBack)

	throttle := z + 2*fz - s - 2*fs
	return NewTriple(
		(throttle+q-d)*DriveGain,
		(throttle+d-q)*DriveGain,
		(c-v)*AuxGain,
	)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
