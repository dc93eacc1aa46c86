package geo

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/geofusion/internal/capture"
)

// DepthSampler reduces the depth under a clipped box to one distance in
// metres. ok is false when there is no usable reading.
type DepthSampler interface {
	Sample(r Rect, depth *capture.DepthMap) (float64, bool)
}

// NewDepthSampler returns the sampler for a DEPTH_SAMPLING name.
func NewDepthSampler(name string) (DepthSampler, error) {
	switch name {
	case "center", "":
		return CenterSampler{}, nil
	case "median":
		return MedianSampler{}, nil
	}
	return nil, fmt.Errorf("unknown depth sampling %q", name)
}

// CenterSampler reads the single pixel at the box centre.
type CenterSampler struct{}

func (CenterSampler) Sample(r Rect, depth *capture.DepthMap) (float64, bool) {
	if depth == nil || r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return 0, false
	}
	x, y := r.Center()
	d := depth.At(x, y)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// AverageDepth clips box to the depth map and reads its centre pixel.
func AverageDepth(box Box, depth *capture.DepthMap) (float64, bool) {
	if depth == nil {
		return 0, false
	}
	r, ok := box.Clip(depth.Width, depth.Height)
	if !ok {
		return 0, false
	}
	return CenterSampler{}.Sample(r, depth)
}

// MedianSampler takes the median of every positive reading in the box,
// which is robust to holes and to background pixels around thin objects.
type MedianSampler struct{}

func (MedianSampler) Sample(r Rect, depth *capture.DepthMap) (float64, bool) {
	if depth == nil || r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return 0, false
	}

	samples := make([]float64, 0, (r.X1-r.X0+1)*(r.Y1-r.Y0+1))
	for y := r.Y0; y <= r.Y1; y++ {
		for x := r.X0; x <= r.X1; x++ {
			if d := depth.At(x, y); d > 0 {
				samples = append(samples, d)
			}
		}
	}
	if len(samples) == 0 {
		return 0, false
	}

	sort.Float64s(samples)
	return stat.Quantile(0.5, stat.Empirical, samples, nil), true
}
