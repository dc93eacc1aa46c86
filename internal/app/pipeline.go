package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/fusion"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/metrics"
	"github.com/relabs-tech/geofusion/internal/orientation"
	"github.com/relabs-tech/geofusion/internal/telemetry"
	"github.com/relabs-tech/geofusion/internal/vision"
)

// Reasons a cycle is skipped, used as metric labels.
const (
	skipNoFrame = "no_frame"
	skipTracker = "tracker"
)

var errNoFrame = errors.New("no frame captured yet")

type positionSource interface {
	CurrentFix(ctx context.Context, timeout time.Duration) (gps.Fix, gps.Status, error)
}

type frameStore interface {
	Load() (capture.Frame, *capture.DepthMap, bool)
}

// cameraModel reports the intrinsics of the frames being captured. They
// can change at runtime when the depth bridge restarts.
type cameraModel interface {
	Intrinsics() (capture.Intrinsics, bool)
}

type snapshotPublisher interface {
	PublishSnapshot(snap fusion.Snapshot) error
}

// Pipeline runs one fusion cycle at a time: copy out the latest producer
// values, track, fuse, gate and hand accepted snapshots to the publisher.
// Step must not be called concurrently.
type Pipeline struct {
	Position   positionSource
	Frames     frameStore
	Mode       capture.Mode
	Camera     cameraModel // nil when there is no camera model
	Tracker    vision.Tracker
	Estimator  vision.DepthEstimator // optional, color-only mode
	Heading    orientation.HeadingSource
	Fuser      *fusion.Fuser
	Publisher  snapshotPublisher
	Metrics    *metrics.Collector
	FixTimeout time.Duration

	now  func() time.Time
	gate fusion.Gate

	mu       sync.RWMutex
	state    telemetry.PlatformState
	last     fusion.Snapshot
	haveLast bool
}

// Step runs one cycle. It returns the snapshot and whether it was handed
// to the publisher. An error means the cycle was skipped.
func (p *Pipeline) Step(ctx context.Context) (fusion.Snapshot, bool, error) {
	start := time.Now()
	now := time.Now
	if p.now != nil {
		now = p.now
	}

	frame, depth, ok := p.Frames.Load()
	if !ok {
		p.Metrics.CycleSkipped(skipNoFrame)
		return nil, false, errNoFrame
	}

	fix, status, err := p.Position.CurrentFix(ctx, p.FixTimeout)
	hasFix := err == nil
	if hasFix {
		p.Metrics.SetFixSource(fix.Origin.String())
	} else {
		p.Metrics.SetFixSource(gps.OriginNone.String())
	}

	tracks, err := p.Tracker.Track(ctx, frame)
	if err != nil {
		p.Metrics.CycleSkipped(skipTracker)
		return nil, false, err
	}

	var relative *capture.RelativeDepth
	if p.Mode != capture.ModeMetric && p.Estimator != nil && len(tracks) > 0 {
		// relative depth is informational; a failure only loses that field
		if relative, err = p.Estimator.Estimate(ctx, frame); err != nil {
			log.Printf("fusion: relative depth unavailable: %v", err)
			relative = nil
		}
	}

	var heading float64
	if p.Heading != nil {
		heading, _ = p.Heading.Heading()
	}

	var intrinsics capture.Intrinsics
	var hasIntr bool
	if p.Camera != nil {
		intrinsics, hasIntr = p.Camera.Intrinsics()
	}

	snap := p.Fuser.Fuse(fusion.Input{
		Fix:           fix,
		HasFix:        hasFix,
		Frame:         frame,
		Depth:         depth,
		Relative:      relative,
		Mode:          p.Mode,
		Intrinsics:    intrinsics,
		HasIntrinsics: hasIntr,
		Tracks:        tracks,
		Heading:       heading,
		Now:           now(),
	})

	p.mu.Lock()
	p.state = telemetry.PlatformState{
		Fix:     fix,
		HasFix:  hasFix,
		GPS:     status,
		Heading: heading,
		Mode:    p.Mode,
		Objects: len(snap) - 1,
	}
	p.last = snap
	p.haveLast = true
	p.mu.Unlock()
	p.Metrics.SetObjects(len(snap))

	accepted := p.gate.Accept(snap)
	p.Metrics.GateResult(accepted)
	if accepted {
		if err := p.Publisher.PublishSnapshot(snap); err != nil {
			log.Printf("fusion: snapshot not queued: %v", err)
		}
	}

	p.Metrics.CycleDone(time.Since(start))
	return snap, accepted, nil
}

// State copies out the platform state of the last completed cycle.
func (p *Pipeline) State() telemetry.PlatformState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastSnapshot copies out the last fused snapshot, accepted or not.
func (p *Pipeline) LastSnapshot() (fusion.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(fusion.Snapshot(nil), p.last...), p.haveLast
}

// Run calls Step every interval until ctx is done. Skipped cycles are
// logged with a backoff so a dead camera does not flood the log.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var skipped int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, _, err := p.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			skipped++
			if skipped == 1 || skipped%100 == 0 {
				log.Printf("fusion: cycle skipped (%d consecutive): %v", skipped, err)
			}
			continue
		}
		if skipped > 0 {
			log.Printf("fusion: cycles resumed after %d skipped", skipped)
			skipped = 0
		}
	}
}
