package capture

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrNoFrame is returned when a device produced nothing usable this time.
	ErrNoFrame = errors.New("capture: no frame")
	// ErrDeviceAbsent is returned when a device could not be found or opened.
	ErrDeviceAbsent = errors.New("capture: device absent")
)

// Mode is the depth capability of a frame source. It never changes for
// the lifetime of a source.
type Mode int

const (
	ModeNone   Mode = iota // color only, no calibrated depth
	ModeMetric             // aligned per-pixel depth in metres
)

func (m Mode) String() string {
	if m == ModeMetric {
		return "metric"
	}
	return "none"
}

// Frame is one color image. It belongs to the cycle that read it.
type Frame struct {
	Image    image.Image
	Width    int
	Height   int
	Captured time.Time
	Seq      uint64

	// Encoded holds the bytes the image was decoded from, if any, so it
	// can be forwarded without re-encoding.
	Encoded []byte
	Format  string // "jpeg", "png", ... as reported by image.Decode
}

// DepthMap is a metric depth image aligned to its Frame. Values are
// metres; zero means no reading. A stored DepthMap is never mutated.
type DepthMap struct {
	Width  int
	Height int
	Meters []float32
}

// At returns the depth at (x, y), or 0 outside the map.
func (d *DepthMap) At(x, y int) float64 {
	if d == nil || x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	i := y*d.Width + x
	if i >= len(d.Meters) {
		return 0
	}
	return float64(d.Meters[i])
}

// RelativeDepth is a unitless monocular estimate. It orders pixels by
// distance but cannot be converted to metres.
type RelativeDepth struct {
	Width  int
	Height int
	Values []float32
}

// At samples the estimate at frame pixel (x, y) of a frame that is
// frameW x frameH. The estimate may have a different resolution.
func (r *RelativeDepth) At(x, y, frameW, frameH int) (float64, bool) {
	if r == nil || r.Width <= 0 || r.Height <= 0 || frameW <= 0 || frameH <= 0 {
		return 0, false
	}
	rx := x * r.Width / frameW
	ry := y * r.Height / frameH
	if rx < 0 || ry < 0 || rx >= r.Width || ry >= r.Height {
		return 0, false
	}
	i := ry*r.Width + rx
	if i >= len(r.Values) {
		return 0, false
	}
	return float64(r.Values[i]), true
}

// Intrinsics are the pinhole parameters of the color stream, in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}
