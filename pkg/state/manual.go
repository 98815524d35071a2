package state

import (
	"sync/atomic"

	"github.com/gwillem/pursuit/pkg/drive"
)

// ManualInput holds the operator's eight flags as a single atomic bit set.
type ManualInput struct {
	bits atomic.Uint32
}

// NewManualInput returns a holder with every flag cleared.
func NewManualInput() *ManualInput {
	return &ManualInput{}
}

// Set updates one flag without touching the others.
func (m *ManualInput) Set(f drive.Flag, on bool) {
	if int(f) >= drive.NumFlags {
		return
	}
	mask := uint32(1) << f
	if on {
		m.bits.Or(mask)
	} else {
		m.bits.And(^mask)
	}
}

// Store replaces every flag at once.
func (m *ManualInput) Store(v drive.Manual) {
	m.bits.Store(v.Bits())
}

// Clear releases every flag.
func (m *ManualInput) Clear() {
	m.bits.Store(0)
}

// Read returns a consistent snapshot of all flags.
func (m *ManualInput) Read() drive.Manual {
	return drive.ManualFromBits(m.bits.Load())
}

// AnyActive reports whether any flag is set.
func (m *ManualInput) AnyActive() bool {
	return m.bits.Load() != 0
}
