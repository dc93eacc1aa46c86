package geo

import "math"

// MetersPerDegreeLat is the flat-earth scale used by Project.
const MetersPerDegreeLat = 111139.0

// Bearing converts a pixel column into a compass bearing in [0, 360),
// treating the camera as a pinhole centred on the principal point:
//
//	alpha   = atan2(pixelX - cx, fx)   (degrees)
//	bearing = (heading + alpha) mod 360
func Bearing(pixelX, fx, cx, heading float64) float64 {
	alpha := math.Atan2(pixelX-cx, fx) * 180.0 / math.Pi
	return normalizeDegrees(heading + alpha)
}

// Project moves distance metres from (lat, lon) along bearing using a
// planar approximation:
//
//	dLat = d*cos(bearing) / 111139
//	dLon = d*sin(bearing) / (111139 * cos(lat))
//
// Good for offsets under a kilometre away from the poles; not geodesic.
func Project(lat, lon, distance, bearing float64) (float64, float64) {
	bRad := bearing * math.Pi / 180.0
	latRad := lat * math.Pi / 180.0

	dLat := distance * math.Cos(bRad) / MetersPerDegreeLat
	dLon := distance * math.Sin(bRad) / (MetersPerDegreeLat * math.Cos(latRad))

	return lat + dLat, lon + dLon
}

// normalizeDegrees maps any angle into [0, 360).
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		// -1e-15 + 360 rounds to 360
		deg = 0
	}
	return deg
}
