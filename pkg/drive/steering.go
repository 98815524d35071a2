package drive

import (
	"image"
	"math"
)

// Geometry holds the camera and gain constants used by the steering law.
type Geometry struct {
	FrameWidth  int `json:"frame_width"`  // capture width in pixels, sets the frame center
	FrameHeight int `json:"frame_height"` // capture height in pixels, sets the frame center

	// SpanX and SpanY normalize pixel offsets to motor speed:
	// an offset of SpanX pixels maps to MaxSpeed.
	SpanX float64 `json:"span_x"`
	SpanY float64 `json:"span_y"`

	DeadZone         int `json:"dead_zone_px"`          // offsets with |d| <= DeadZone leave the axis at zero
	NearFarThreshold int `json:"near_far_threshold_px"` // bbox extent at which far mode kicks in
	FarBias          int `json:"far_bias"`              // added to drive speeds in far mode
}

// DefaultGeometry returns the constants for a 640x480 camera.
func DefaultGeometry() Geometry {
	return Geometry{
		FrameWidth:       640,
		FrameHeight:      480,
		SpanX:            1280,
		SpanY:            480,
		DeadZone:         10,
		NearFarThreshold: 50,
		FarBias:          127,
	}
}

// Center returns the pixel center of the frame.
func (g Geometry) Center() image.Point {
	return image.Pt(g.FrameWidth/2, g.FrameHeight/2)
}

// Far reports whether box selects the far gain mode.
// A box is "near mode" only while both extents stay below the threshold.
func (g Geometry) Far(box image.Rectangle) bool {
	box = box.Canon()
	return box.Dx() >= g.NearFarThreshold || box.Dy() >= g.NearFarThreshold
}

// Steer converts the target position into motor commands that turn the
// platform toward it. Offsets inside the dead zone yield zero for that axis.
func (g Geometry) Steer(target, center image.Point, box image.Rectangle) Triple {
	dx := center.X - target.X
	dy := center.Y - target.Y

	gainX := MaxSpeed / g.SpanX
	gainY := MaxSpeed / g.SpanY

	var left, right, aux int
	if abs(dx) > g.DeadZone {
		if g.Far(box) {
			left = round(float64(dx)*gainX/2) + g.FarBias
			right = round(float64(-dx)*gainX/2) + g.FarBias
		} else {
			left = round(float64(dx) * gainX)
			right = round(float64(-dx) * gainX)
		}
	}
	if abs(dy) > g.DeadZone {
		aux = round(float64(dy) * gainY)
	}

	return NewTriple(left, right, aux)
}

// round rounds half to even.
func round(v float64) int {
	return int(math.RoundToEven(v))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
