// Package teleop turns operator key presses into manual input flags.
//
// Terminals report key presses and auto-repeats but no releases, so a held
// key is tracked by a hold deadline that every repeat extends. A key whose
// deadline passes is treated as released.
package teleop

import (
	"sync"
	"time"

	"github.com/gwillem/pursuit/pkg/drive"
	"github.com/gwillem/pursuit/pkg/state"
)

// DefaultHold covers the typical auto-repeat delay of a terminal.
const DefaultHold = 550 * time.Millisecond

// DefaultKeys maps keys to flags (AZERTY row, shift for boost).
var DefaultKeys = map[string]drive.Flag{
	"z": drive.Forward,
	"q": drive.Left,
	"s": drive.Back,
	"d": drive.Right,
	"c": drive.RotateLeft,
	"v": drive.RotateRight,
	"Z": drive.FastForward,
	"S": drive.FastBack,
}

// ReleaseKey releases every flag at once.
const ReleaseKey = " "

// Keyboard writes key events into a ManualInput.
type Keyboard struct {
	input *state.ManualInput
	keys  map[string]drive.Flag
	hold  time.Duration

	mu       sync.Mutex
	deadline [drive.NumFlags]time.Time
}

// NewKeyboard creates a keyboard producer. A nil keys map selects
// DefaultKeys; a non-positive hold selects DefaultHold.
func NewKeyboard(input *state.ManualInput, keys map[string]drive.Flag, hold time.Duration) *Keyboard {
	if keys == nil {
		keys = DefaultKeys
	}
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Keyboard{input: input, keys: keys, hold: hold}
}

// Press handles a key press or repeat at now. It reports whether the key
// was consumed.
func (k *Keyboard) Press(key string, now time.Time) bool {
	if key == ReleaseKey {
		k.ReleaseAll()
		return true
	}

	f, ok := k.keys[key]
	if !ok {
		return false
	}

	k.mu.Lock()
	k.deadline[f] = now.Add(k.hold)
	k.mu.Unlock()

	k.input.Set(f, true)
	return true
}

// Expire releases every flag whose hold deadline has passed at now.
func (k *Keyboard) Expire(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for f := range k.deadline {
		d := k.deadline[f]
		if d.IsZero() || now.Before(d) {
			continue
		}
		k.deadline[f] = time.Time{}
		k.input.Set(drive.Flag(f), false)
	}
}

// ReleaseAll clears every flag immediately.
func (k *Keyboard) ReleaseAll() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.deadline = [drive.NumFlags]time.Time{}
	k.input.Clear()
}

// Hold returns the hold duration.
func (k *Keyboard) Hold() time.Duration {
	return k.hold
}
