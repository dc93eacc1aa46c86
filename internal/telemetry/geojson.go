package telemetry

import (
	"encoding/json"
	"time"

	"github.com/relabs-tech/geofusion/internal/fusion"
)

// EventObjectDetected is the Socket.IO event carrying the payload.
const EventObjectDetected = "object-detected"

// Geometry is a GeoJSON Point. Coordinates are [lon, lat].
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// Properties are the per-feature attributes sent to subscribers.
type Properties struct {
	Label     string `json:"label"`
	Timestamp string `json:"timestamp"`
}

// Feature is one object. Geometry is null for an object without a fix.
type Feature struct {
	Type       string     `json:"type"`
	Geometry   *Geometry  `json:"geometry"`
	Properties Properties `json:"properties"`
}

// FeatureCollection is the telemetry payload.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection maps a snapshot to GeoJSON, keeping its order.
func NewFeatureCollection(snap fusion.Snapshot) FeatureCollection {
	fc := FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]Feature, 0, len(snap)),
	}
	for _, obj := range snap {
		f := Feature{
			Type: "Feature",
			Properties: Properties{
				Label:     obj.Label,
				Timestamp: obj.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		}
		if obj.HasPosition {
			f.Geometry = &Geometry{Type: "Point", Coordinates: [2]float64{obj.Lon, obj.Lat}}
		}
		fc.Features = append(fc.Features, f)
	}
	return fc
}

// Encode serializes a snapshot as a GeoJSON FeatureCollection.
func Encode(snap fusion.Snapshot) ([]byte, error) {
	return json.Marshal(NewFeatureCollection(snap))
}
