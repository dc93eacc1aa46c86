package geo

import "math"

// Box is a tracker bounding box in pixel space. It may extend past the
// frame edges.
type Box struct {
	Left   float64 `json:"l"`
	Top    float64 `json:"t"`
	Right  float64 `json:"r"`
	Bottom float64 `json:"b"`
}

// Rect is a box clipped to a frame, integer pixel coordinates, inclusive.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Clip truncates the box to whole pixels and clamps it to
// [0, width-1] x [0, height-1]. ok is false when nothing with positive
// width and height is left.
func (b Box) Clip(width, height int) (Rect, bool) {
	if width <= 0 || height <= 0 {
		return Rect{}, false
	}
	r := Rect{
		X0: clampInt(truncate(b.Left), 0, width-1),
		Y0: clampInt(truncate(b.Top), 0, height-1),
		X1: clampInt(truncate(b.Right), 0, width-1),
		Y1: clampInt(truncate(b.Bottom), 0, height-1),
	}
	if r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return r, false
	}
	return r, true
}

// Center is the integer midpoint of the rect.
func (r Rect) Center() (x, y int) {
	return (r.X0 + r.X1) / 2, (r.Y0 + r.Y1) / 2
}

func truncate(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	// keep huge predicted boxes from overflowing int
	return int(math.Max(math.Min(math.Trunc(v), 1<<30), -(1 << 30)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
