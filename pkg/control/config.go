package control

import (
	"time"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/state"
)

// Defaults for Config.
const (
	DefaultTickPeriod      = 50 * time.Millisecond
	DefaultShutdownTimeout = 250 * time.Millisecond
)

// Config holds the loop tunables.
type Config struct {
	TickPeriod      time.Duration  // control cadence
	Staleness       time.Duration  // detections older than this are ignored
	ShutdownTimeout time.Duration  // budget for the final stop on exit
	Geometry        drive.Geometry // steering constants
}

// DefaultConfig returns a 20 Hz loop with a one second staleness timeout.
func DefaultConfig() Config {
	return Config{
		TickPeriod:      DefaultTickPeriod,
		Staleness:       state.DefaultStaleness,
		ShutdownTimeout: DefaultShutdownTimeout,
		Geometry:        drive.DefaultGeometry(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickPeriod <= 0 {
		c.TickPeriod = def.TickPeriod
	}
	if c.Staleness <= 0 {
		c.Staleness = def.Staleness
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Geometry == (drive.Geometry{}) {
		c.Geometry = def.Geometry
	}
	return c
}
