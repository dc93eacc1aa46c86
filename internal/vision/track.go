package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"strconv"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/geo"
)

// Detection is a single-frame detector output with no identity.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        geo.Box `json:"box"`
}

// Track is a detection with an identity kept across frames by the tracker.
// Only confirmed tracks are geolocated.
type Track struct {
	ID        string `json:"id"`
	Detection
	Confirmed bool `json:"confirmed"`
}

// Tracker runs detection and tracking on one frame.
type Tracker interface {
	Track(ctx context.Context, frame capture.Frame) ([]Track, error)
}

// DepthEstimator produces a relative depth map from a color frame.
type DepthEstimator interface {
	Estimate(ctx context.Context, frame capture.Frame) (*capture.RelativeDepth, error)
}

// trackID accepts both numeric and string ids.
type trackID string

func (id *trackID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = trackID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("track id %s: %w", data, err)
	}
	if i, err := n.Int64(); err == nil {
		*id = trackID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = trackID(n.String())
	return nil
}

// frameJPEG returns JPEG bytes for the frame, reusing the encoded source
// when it already is a JPEG.
func frameJPEG(frame capture.Frame) ([]byte, error) {
	if frame.Format == "jpeg" && len(frame.Encoded) > 0 {
		return frame.Encoded, nil
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Seq)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
