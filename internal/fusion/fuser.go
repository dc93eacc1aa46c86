package fusion

import (
	"time"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/geo"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/vision"
)

// DefaultLabel is used for tracks the tracker did not classify.
const DefaultLabel = "object"

// GeoObject is one geolocated entity in a snapshot: the platform itself or
// a confirmed track.
type GeoObject struct {
	ID    string
	Label string

	Lat, Lon    float64
	HasPosition bool
	Altitude    float64
	HasAltitude bool
	Timestamp   time.Time

	// Relative depth at the box centre in color-only mode. Informational,
	// never used for positions or change detection.
	RelativeDepth    float64
	HasRelativeDepth bool

	// Projected is true when the position was computed from depth and
	// bearing rather than copied from the platform.
	Projected bool
}

// Snapshot is the set of objects produced by one cycle. The platform is
// always the first element.
type Snapshot []GeoObject

// Input is everything one fusion cycle works from, copied out of the
// producers beforehand.
type Input struct {
	Fix    gps.Fix
	HasFix bool

	Frame    capture.Frame
	Depth    *capture.DepthMap      // metric mode only
	Relative *capture.RelativeDepth // color-only mode, optional

	Mode          capture.Mode
	Intrinsics    capture.Intrinsics
	HasIntrinsics bool

	Tracks  []vision.Track
	Heading float64 // degrees
	Now     time.Time
}

// Fuser turns one cycle's inputs into a Snapshot.
type Fuser struct {
	platformID string
	sampler    geo.DepthSampler
}

// NewFuser creates a fuser whose platform object uses platformID as both
// id and label. A nil sampler samples the box centre.
func NewFuser(platformID string, sampler geo.DepthSampler) *Fuser {
	if sampler == nil {
		sampler = geo.CenterSampler{}
	}
	return &Fuser{platformID: platformID, sampler: sampler}
}

// Fuse builds the snapshot. Unconfirmed tracks and tracks whose box
// vanishes when clipped to the frame are left out. A track is projected
// only with metric depth, intrinsics, a platform fix and a valid depth
// sample; otherwise it carries the platform's own fix.
func (f *Fuser) Fuse(in Input) Snapshot {
	platform := GeoObject{
		ID:        f.platformID,
		Label:     f.platformID,
		Timestamp: in.Now,
	}
	if in.HasFix {
		platform.Lat = in.Fix.Latitude
		platform.Lon = in.Fix.Longitude
		platform.HasPosition = true
		platform.Altitude = in.Fix.Altitude
		platform.HasAltitude = in.Fix.HasAltitude
	}

	snap := make(Snapshot, 1, len(in.Tracks)+1)
	snap[0] = platform

	canProject := in.Mode == capture.ModeMetric && in.HasFix && in.Depth != nil &&
		in.HasIntrinsics && in.Intrinsics.Fx > 0

	for _, track := range in.Tracks {
		if !track.Confirmed {
			continue
		}
		rect, ok := track.Box.Clip(in.Frame.Width, in.Frame.Height)
		if !ok {
			continue
		}

		obj := platform
		obj.ID = track.ID
		obj.Label = track.Label
		if obj.Label == "" {
			obj.Label = DefaultLabel
		}

		cx, cy := rect.Center()

		if canProject {
			if dist, ok := f.sampler.Sample(rect, in.Depth); ok {
				bearing := geo.Bearing(float64(cx), in.Intrinsics.Fx, in.Intrinsics.Cx, in.Heading)
				obj.Lat, obj.Lon = geo.Project(in.Fix.Latitude, in.Fix.Longitude, dist, bearing)
				obj.Projected = true
			}
		} else if in.Mode != capture.ModeMetric && in.Relative != nil {
			if v, ok := in.Relative.At(cx, cy, in.Frame.Width, in.Frame.Height); ok {
				obj.RelativeDepth = v
				obj.HasRelativeDepth = true
			}
		}

		snap = append(snap, obj)
	}

	return snap
}
