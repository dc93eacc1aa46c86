package gps

import (
	"errors"
	"time"
)

// ErrNoFix is returned when no position could be resolved for a read.
var ErrNoFix = errors.New("gps: no fix available")

// Origin tells where a Fix came from.
type Origin int

const (
	OriginNone    Origin = iota
	OriginSensor         // serial NMEA receiver, authoritative
	OriginNetwork        // IP geolocation, approximate
)

func (o Origin) String() string {
	switch o {
	case OriginSensor:
		return "gps"
	case OriginNetwork:
		return "network"
	default:
		return "none"
	}
}

// MarshalText encodes the origin as its name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an origin name; unknown names map to OriginNone.
func (o *Origin) UnmarshalText(text []byte) error {
	switch string(text) {
	case "gps":
		*o = OriginSensor
	case "network":
		*o = OriginNetwork
	default:
		*o = OriginNone
	}
	return nil
}

// Fix represents a single resolved position. Latitude and longitude are
// always set together; altitude is optional.
type Fix struct {
	Latitude    float64   `json:"lat"`                // decimal degrees
	Longitude   float64   `json:"lon"`                // decimal degrees
	Altitude    float64   `json:"altitude,omitempty"` // metres
	HasAltitude bool      `json:"has_altitude"`
	Time        time.Time `json:"time"` // when the fix was resolved
	Origin      Origin    `json:"source"`

	// Filled from RMC only.
	SpeedKnots float64 `json:"speed_knots,omitempty"`
	CourseDeg  float64 `json:"course_deg,omitempty"`
}

// Status is the state of the serial receiver at the time of a read.
type Status struct {
	Connected bool      `json:"connected"` // serial port is open
	Available bool      `json:"available"` // valid fix parsed since the port was opened
	LastFix   time.Time `json:"last_fix"`
}
