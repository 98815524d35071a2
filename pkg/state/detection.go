// Package state holds the snapshots shared between the input producers and
// the control loop. Each holder is written by one producer and swapped as a
// whole, so readers never see a torn combination of fields.
package state

import (
	"image"
	"sync/atomic"
	"time"
)

// DefaultStaleness is how long a detection stays valid for tracking.
const DefaultStaleness = time.Second

// Sample is one detection reported by the vision pipeline.
type Sample struct {
	Center     image.Point
	Box        image.Rectangle
	Label      string
	Confidence float64
	Timestamp  time.Time
}

// Age returns how old s is at now.
func (s Sample) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Fresh reports whether s is younger than timeout at now.
func (s Sample) Fresh(now time.Time, timeout time.Duration) bool {
	return s.Age(now) < timeout
}

// DetectionCache holds the latest detection. Updates replace the whole
// snapshot; there is no history.
type DetectionCache struct {
	latest  atomic.Pointer[Sample]
	updates atomic.Uint64
}

// NewDetectionCache returns an empty cache.
func NewDetectionCache() *DetectionCache {
	return &DetectionCache{}
}

// Update replaces the current snapshot with s.
func (c *DetectionCache) Update(s Sample) {
	c.latest.Store(&s)
	c.updates.Add(1)
}

// Read returns the latest snapshot, or false if nothing was ever stored.
// Freshness is left to the caller.
func (c *DetectionCache) Read() (Sample, bool) {
	p := c.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

// ReadFresh returns the latest snapshot only if it is fresh at now.
func (c *DetectionCache) ReadFresh(now time.Time, timeout time.Duration) (Sample, bool) {
	s, ok := c.Read()
	if !ok || !s.Fresh(now, timeout) {
		return Sample{}, false
	}
	return s, true
}

// Updates returns how many snapshots have been stored.
func (c *DetectionCache) Updates() uint64 {
	return c.updates.Load()
}
