package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/gps"
)

// PlatformState is what the fusion loop last knew about the platform.
type PlatformState struct {
	Fix     gps.Fix
	HasFix  bool
	GPS     gps.Status
	Heading float64
	Mode    capture.Mode
	Objects int
}

// StatusReport is the heartbeat payload.
type StatusReport struct {
	RunID        string    `json:"run_id"`
	PlatformID   string    `json:"platform_id"`
	Status       string    `json:"status"`
	FixSource    string    `json:"fix_source"`
	HasFix       bool      `json:"has_fix"`
	Latitude     *float64  `json:"lat"`
	Longitude    *float64  `json:"lon"`
	Altitude     *float64  `json:"alt,omitempty"`
	Heading      float64   `json:"heading"`
	GPSConnected bool      `json:"gps_connected"`
	GPSAvailable bool      `json:"gps_available"`
	DepthMode    string    `json:"depth_mode"`
	Objects      int       `json:"objects"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat periodically publishes a StatusReport, retained, to one topic.
type Heartbeat struct {
	client     MQTTPublisher
	topic      string
	interval   time.Duration
	platformID string
	runID      string
	state      func() PlatformState
	now        func() time.Time
}

// NewHeartbeat creates a heartbeat with a fresh run id. state is called
// once per tick.
func NewHeartbeat(client MQTTPublisher, topic, platformID string, interval time.Duration, state func() PlatformState) *Heartbeat {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeat{
		client:     client,
		topic:      topic,
		interval:   interval,
		platformID: platformID,
		runID:      uuid.NewString(),
		state:      state,
		now:        time.Now,
	}
}

// RunID identifies this process in every report.
func (h *Heartbeat) RunID() string { return h.runID }

// Report builds the report for the current state.
func (h *Heartbeat) Report() StatusReport {
	st := h.state()
	r := StatusReport{
		RunID:        h.runID,
		PlatformID:   h.platformID,
		Status:       "active",
		FixSource:    gps.OriginNone.String(),
		HasFix:       st.HasFix,
		Heading:      st.Heading,
		GPSConnected: st.GPS.Connected,
		GPSAvailable: st.GPS.Available,
		DepthMode:    st.Mode.String(),
		Objects:      st.Objects,
		Timestamp:    h.now().UTC(),
	}
	if st.HasFix {
		lat, lon := st.Fix.Latitude, st.Fix.Longitude
		r.Latitude, r.Longitude = &lat, &lon
		r.FixSource = st.Fix.Origin.String()
		if st.Fix.HasAltitude {
			alt := st.Fix.Altitude
			r.Altitude = &alt
		}
	}
	return r
}

// Run publishes a report immediately and then every interval until ctx is
// done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("telemetry: heartbeat %s every %s on %s", h.runID, h.interval, h.topic)
	for {
		h.publish(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) publish(ctx context.Context) {
	payload, err := json.Marshal(h.Report())
	if err != nil {
		log.Printf("telemetry: heartbeat marshal error: %v", err)
		return
	}
	if err := publishMQTT(ctx, h.client, h.topic, payload, h.interval); err != nil && ctx.Err() == nil {
		slog.Default().ErrorContext(ctx, "telemetry: heartbeat publish failed",
			slog.String("topic", h.topic),
			slog.Any("error", xerrors.New(err)),
		)
	}
}
