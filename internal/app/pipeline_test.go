package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/fusion"
	"github.com/relabs-tech/geofusion/internal/geo"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/metrics"
	"github.com/relabs-tech/geofusion/internal/orientation"
	"github.com/relabs-tech/geofusion/internal/telemetry"
	"github.com/relabs-tech/geofusion/internal/vision"
)

type stubPosition struct {
	fix gps.Fix
	err error
}

func (s *stubPosition) CurrentFix(context.Context, time.Duration) (gps.Fix, gps.Status, error) {
	if s.err != nil {
		return gps.Fix{}, gps.Status{}, s.err
	}
	return s.fix, gps.Status{Connected: true, Available: true}, nil
}

type stubTracker struct {
	tracks []vision.Track
	err    error
	calls  int
}

func (s *stubTracker) Track(context.Context, capture.Frame) ([]vision.Track, error) {
	s.calls++
	return s.tracks, s.err
}

type stubEstimator struct {
	depth *capture.RelativeDepth
	err   error
}

func (s stubEstimator) Estimate(context.Context, capture.Frame) (*capture.RelativeDepth, error) {
	return s.depth, s.err
}

type stubCamera struct {
	intrinsics capture.Intrinsics
}

func (s *stubCamera) Intrinsics() (capture.Intrinsics, bool) { return s.intrinsics, true }

type capturedPublisher struct {
	snaps []fusion.Snapshot
}

func (c *capturedPublisher) PublishSnapshot(s fusion.Snapshot) error {
	c.snaps = append(c.snaps, s)
	return nil
}

func metricFrames() *capture.Latest {
	depth := &capture.DepthMap{Width: 640, Height: 480, Meters: make([]float32, 640*480)}
	for i := range depth.Meters {
		depth.Meters[i] = 5
	}
	latest := &capture.Latest{}
	latest.Store(capture.Frame{Width: 640, Height: 480, Seq: 1}, depth)
	return latest
}

func person(id string) vision.Track {
	return vision.Track{
		ID:        id,
		Detection: vision.Detection{Label: "person", Confidence: 0.8, Box: geo.Box{Left: 345, Top: 200, Right: 395, Bottom: 280}},
		Confirmed: true,
	}
}

func newPipeline(t *testing.T, tracker *stubTracker) (*Pipeline, *capturedPublisher, *metrics.Collector) {
	t.Helper()
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	pub := &capturedPublisher{}
	return &Pipeline{
		Position:   &stubPosition{fix: gps.Fix{Latitude: 10, Longitude: 20, Origin: gps.OriginSensor}},
		Frames:     metricFrames(),
		Mode:       capture.ModeMetric,
		Camera:     &stubCamera{intrinsics: capture.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}},
		Tracker:    tracker,
		Heading:    orientation.Fixed(0),
		Fuser:      fusion.NewFuser("robot", nil),
		Publisher:  pub,
		Metrics:    m,
		now:        func() time.Time { return time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC) },
	}, pub, m
}

func TestPipelineEmitsOnlyChanges(t *testing.T) {
	tracker := &stubTracker{tracks: []vision.Track{person("4")}}
	p, pub, m := newPipeline(t, tracker)
	ctx := context.Background()

	snap, accepted, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, accepted)
	require.Len(t, snap, 2)
	assert.True(t, snap[1].Projected)

	_, accepted, err = p.Step(ctx)
	require.NoError(t, err)
	assert.False(t, accepted, "unchanged snapshot is suppressed")

	tracker.tracks = append(tracker.tracks, person("5"))
	_, accepted, err = p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, accepted)

	require.Len(t, pub.snaps, 2)
	assert.Equal(t, "robot", pub.snaps[1][0].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Emitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Suppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FixSource.WithLabelValues("gps")))

	state := p.State()
	assert.True(t, state.HasFix)
	assert.Equal(t, 2, state.Objects)
}

func TestPipelineSkipsWithoutFrame(t *testing.T) {
	tracker := &stubTracker{}
	p, pub, m := newPipeline(t, tracker)
	p.Frames = &capture.Latest{}

	_, _, err := p.Step(context.Background())
	assert.ErrorIs(t, err, errNoFrame)
	assert.Zero(t, tracker.calls)
	assert.Empty(t, pub.snaps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedCycles.WithLabelValues(skipNoFrame)))

	_, ok := p.LastSnapshot()
	assert.False(t, ok)
}

func TestPipelineSkipsOnTrackerError(t *testing.T) {
	p, pub, m := newPipeline(t, &stubTracker{err: errors.New("tracker down")})

	_, _, err := p.Step(context.Background())
	assert.Error(t, err)
	assert.Empty(t, pub.snaps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedCycles.WithLabelValues(skipTracker)))
}

func TestPipelineWithoutFix(t *testing.T) {
	p, pub, _ := newPipeline(t, &stubTracker{tracks: []vision.Track{person("4")}})
	p.Position = &stubPosition{err: gps.ErrNoFix}

	snap, accepted, err := p.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.False(t, snap[0].HasPosition)
	assert.False(t, snap[1].Projected)
	require.Len(t, pub.snaps, 1)
	assert.False(t, p.State().HasFix)
}

func TestPipelineColorOnlyUsesEstimator(t *testing.T) {
	p, _, _ := newPipeline(t, &stubTracker{tracks: []vision.Track{person("4")}})
	latest := &capture.Latest{}
	latest.Store(capture.Frame{Width: 640, Height: 480}, nil)
	p.Frames = latest
	p.Mode = capture.ModeNone
	p.Camera = nil
	p.Estimator = stubEstimator{depth: &capture.RelativeDepth{Width: 1, Height: 1, Values: []float32{0.7}}}

	snap, _, err := p.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.False(t, snap[1].Projected)
	assert.Equal(t, 10.0, snap[1].Lat)
	assert.True(t, snap[1].HasRelativeDepth)

	p.Estimator = stubEstimator{err: errors.New("estimator down")}
	snap, _, err = p.Step(context.Background())
	require.NoError(t, err, "estimator failure does not skip the cycle")
	assert.False(t, snap[1].HasRelativeDepth)
}

func TestPipelineReadsIntrinsicsEveryCycle(t *testing.T) {
	p, _, _ := newPipeline(t, &stubTracker{tracks: []vision.Track{person("4")}})
	camera := p.Camera.(*stubCamera)

	before, _, err := p.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, before, 2)
	require.True(t, before[1].Projected)

	// the bridge came back with a different lens
	camera.intrinsics = capture.Intrinsics{Fx: 250, Fy: 250, Cx: 100, Cy: 240}
	after, _, err := p.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.True(t, after[1].Projected)
	assert.NotEqual(t, before[1].Lon, after[1].Lon)
}

func TestPipelineRunStopsOnCancel(t *testing.T) {
	tracker := &stubTracker{}
	p, _, _ := newPipeline(t, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := p.LastSnapshot()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	p, _, m := newPipeline(t, &stubTracker{tracks: []vision.Track{person("4")}})
	hb := telemetry.NewHeartbeat(nil, "status", "robot", time.Second, p.State)
	mux := newMux(nil, telemetry.NewWebsocketHub(), m.Handler(), p, hb)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no data yet")

	_, _, err := p.Step(context.Background())
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var fc telemetry.FeatureCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "person", fc.Features[1].Properties.Label)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report telemetry.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "robot", report.PlatformID)
	assert.Equal(t, "gps", report.FixSource)
	assert.Equal(t, 1, report.Objects)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "geofusion_cycles_total")
}
