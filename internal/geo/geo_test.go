package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/geofusion/internal/capture"
)

// haversine returns the great-circle distance in metres.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371008.8
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

func TestBearing_PrincipalPointYieldsHeading(t *testing.T) {
	for _, heading := range []float64{0, 45, 359.5, 360, 370, -90, 725} {
		got := Bearing(320, 500, 320, heading)
		want := math.Mod(math.Mod(heading, 360)+360, 360)
		assert.InDelta(t, want, got, 1e-9, "heading %v", heading)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.Less(t, got, 360.0)
	}
}

func TestBearing_Offsets(t *testing.T) {
	right := Bearing(370, 500, 320, 0)
	assert.InDelta(t, math.Atan2(50, 500)*180/math.Pi, right, 1e-12)
	assert.InDelta(t, 5.710593137499643, right, 1e-9)

	left := Bearing(270, 500, 320, 0)
	assert.InDelta(t, 360-5.710593137499643, left, 1e-9)

	assert.InDelta(t, 95.710593137499643, Bearing(370, 500, 320, 90), 1e-9)
}

func TestProject_PinnedFormula(t *testing.T) {
	lat, lon := Project(10, 20, 5, 90)
	assert.InDelta(t, 10.0, lat, 1e-12)
	assert.InDelta(t, 20+5/(MetersPerDegreeLat*math.Cos(10*math.Pi/180)), lon, 1e-15)

	lat, lon = Project(10, 20, 111139, 0)
	assert.InDelta(t, 11.0, lat, 1e-12)
	assert.InDelta(t, 20.0, lon, 1e-12)

	lat, lon = Project(-33.4, -70.6, 0, 123)
	assert.Equal(t, -33.4, lat)
	assert.Equal(t, -70.6, lon)
}

func TestProject_InverseRecoversDistance(t *testing.T) {
	lats := []float64{-60, -33.45, 0, 10, 48.1, 60}
	bearings := []float64{0, 37, 90, 145, 180, 260, 333}
	distances := []float64{1, 5, 25, 100, 500, 999}

	for _, lat := range lats {
		for _, b := range bearings {
			for _, d := range distances {
				lat2, lon2 := Project(lat, 20, d, b)
				got := haversine(lat, 20, lat2, lon2)
				// 111139 m/deg vs the sphere's ~111195 m/deg plus planar error
				assert.InDelta(t, d, got, 0.01*d+0.01, "lat=%v bearing=%v d=%v", lat, b, d)
			}
		}
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		name string
		box  Box
		want Rect
		ok   bool
	}{
		{"inside", Box{10.9, 20.2, 50.7, 60.1}, Rect{10, 20, 50, 60}, true},
		{"overhangs", Box{-5.7, -3, 700, 500}, Rect{0, 0, 639, 479}, true},
		{"fully right of frame", Box{700, 10, 800, 50}, Rect{639, 10, 639, 50}, false},
		{"fully above frame", Box{10, -80, 50, -10}, Rect{10, 0, 50, 0}, false},
		{"zero width", Box{30, 10, 30.9, 50}, Rect{30, 10, 30, 50}, false},
		{"inverted", Box{50, 10, 20, 50}, Rect{50, 10, 20, 50}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.box.Clip(640, 480)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Box{0, 0, 10, 10}.Clip(0, 0)
	assert.False(t, ok)
}

func uniformDepth(w, h int, v float32) *capture.DepthMap {
	m := &capture.DepthMap{Width: w, Height: h, Meters: make([]float32, w*h)}
	for i := range m.Meters {
		m.Meters[i] = v
	}
	return m
}

func TestAverageDepth(t *testing.T) {
	depth := uniformDepth(640, 480, 5)

	d, ok := AverageDepth(Box{345, 200, 395, 280}, depth)
	require.True(t, ok)
	assert.Equal(t, 5.0, d)

	// centre pixel (370, 240) has no reading
	depth.Meters[240*640+370] = 0
	_, ok = AverageDepth(Box{345, 200, 395, 280}, depth)
	assert.False(t, ok)

	depth.Meters[240*640+370] = -1
	_, ok = AverageDepth(Box{345, 200, 395, 280}, depth)
	assert.False(t, ok)

	_, ok = AverageDepth(Box{700, 500, 760, 560}, uniformDepth(640, 480, 5))
	assert.False(t, ok, "box outside the frame")

	_, ok = AverageDepth(Box{345, 200, 395, 280}, nil)
	assert.False(t, ok, "no depth map")
}

func TestMedianSampler_IgnoresHoles(t *testing.T) {
	depth := uniformDepth(10, 10, 0)
	r := Rect{2, 2, 4, 4}
	vals := []float32{1, 2, 3, 100, 0, 0, 2.5, 0, 0}
	i := 0
	for y := 2; y <= 4; y++ {
		for x := 2; x <= 4; x++ {
			depth.Meters[y*10+x] = vals[i]
			i++
		}
	}

	d, ok := MedianSampler{}.Sample(r, depth)
	require.True(t, ok)
	// positives sorted: 1 2 2.5 3 100
	assert.Equal(t, 2.5, d)

	_, ok = MedianSampler{}.Sample(Rect{6, 6, 8, 8}, depth)
	assert.False(t, ok, "all holes")

	_, ok = MedianSampler{}.Sample(Rect{2, 2, 2, 4}, depth)
	assert.False(t, ok, "degenerate")
}

func TestNewDepthSampler(t *testing.T) {
	s, err := NewDepthSampler("center")
	require.NoError(t, err)
	assert.IsType(t, CenterSampler{}, s)

	s, err = NewDepthSampler("median")
	require.NoError(t, err)
	assert.IsType(t, MedianSampler{}, s)

	_, err = NewDepthSampler("mean")
	assert.Error(t, err)
}
