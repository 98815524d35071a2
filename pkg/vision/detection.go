// Package vision feeds detections from a vision pipeline into the
// detection cache.
package vision

import (
	"image"
	"slices"
	"time"

	"github.com/gwillem/pursuit/pkg/state"
)

// DefaultSkipInterval is the number of captured frames per inference
// cycle for local detectors.
const DefaultSkipInterval = 15

// Detection is one bounding box reported by a detector.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
}

// Center returns the integer midpoint of the box.
func (d Detection) Center() image.Point {
	b := d.Box.Canon()
	return image.Pt((b.Min.X+b.Max.X)/2, (b.Min.Y+b.Max.Y)/2)
}

// Sample converts d into a cache snapshot taken at ts.
func (d Detection) Sample(ts time.Time) state.Sample {
	return state.Sample{
		Center:     d.Center(),
		Box:        d.Box.Canon(),
		Label:      d.Label,
		Confidence: d.Confidence,
		Timestamp:  ts,
	}
}

// Filter selects which detections may become tracking targets.
type Filter struct {
	Labels        []string `json:"labels,omitempty"`         // allow-list; empty accepts every label
	MinConfidence float64  `json:"min_confidence,omitempty"` // detections below are ignored
}

// Accept reports whether d passes the filter.
func (f Filter) Accept(d Detection) bool {
	if d.Confidence < f.MinConfidence {
		return false
	}
	return len(f.Labels) == 0 || slices.Contains(f.Labels, d.Label)
}

// Select returns the first detection accepted by f.
func Select(dets []Detection, f Filter) (Detection, bool) {
	for _, d := range dets {
		if f.Accept(d) {
			return d, true
		}
	}
	return Detection{}, false
}

// Publish selects a target from one inference cycle and stores it in cache.
// A cycle without a match leaves the previous snapshot in place.
func Publish(cache *state.DetectionCache, dets []Detection, f Filter, ts time.Time) (Detection, bool) {
	d, ok := Select(dets, f)
	if !ok {
		return Detection{}, false
	}
	cache.Update(d.Sample(ts))
	return d, true
}
