package capture

import (
	"context"
	"fmt"
	"log"
)

// FrameSource supplies color frames and, in metric mode, aligned depth.
type FrameSource interface {
	// Next blocks until the next frame is ready. The depth map is nil
	// unless Mode is ModeMetric.
	Next(ctx context.Context) (Frame, *DepthMap, error)
	Mode() Mode
	// Intrinsics reports the camera model; ok is false without metric depth.
	Intrinsics() (Intrinsics, bool)
	Release() error
}

// DepthDevice is an RGB-D camera delivering aligned color and depth.
type DepthDevice interface {
	ReadAligned(ctx context.Context) (Frame, DepthMap, error)
	Intrinsics() Intrinsics
	Close() error
}

// ColorDevice is a plain camera.
type ColorDevice interface {
	ReadColor(ctx context.Context) (Frame, error)
	Close() error
}

// MetricCapture is the depth-capable FrameSource.
type MetricCapture struct {
	dev DepthDevice
}

// NewMetricCapture wraps an opened depth device.
func NewMetricCapture(dev DepthDevice) *MetricCapture {
	return &MetricCapture{dev: dev}
}

func (m *MetricCapture) Next(ctx context.Context) (Frame, *DepthMap, error) {
	frame, depth, err := m.dev.ReadAligned(ctx)
	if err != nil {
		return Frame{}, nil, err
	}
	return frame, &depth, nil
}

func (m *MetricCapture) Mode() Mode { return ModeMetric }

func (m *MetricCapture) Intrinsics() (Intrinsics, bool) { return m.dev.Intrinsics(), true }

func (m *MetricCapture) Release() error { return m.dev.Close() }

// ColorOnlyCapture is the fallback FrameSource without depth.
type ColorOnlyCapture struct {
	dev ColorDevice
}

// NewColorOnlyCapture wraps an opened color device.
func NewColorOnlyCapture(dev ColorDevice) *ColorOnlyCapture {
	return &ColorOnlyCapture{dev: dev}
}

func (c *ColorOnlyCapture) Next(ctx context.Context) (Frame, *DepthMap, error) {
	frame, err := c.dev.ReadColor(ctx)
	return frame, nil, err
}

func (c *ColorOnlyCapture) Mode() Mode { return ModeNone }

func (c *ColorOnlyCapture) Intrinsics() (Intrinsics, bool) { return Intrinsics{}, false }

func (c *ColorOnlyCapture) Release() error { return c.dev.Close() }

// Backend names accepted by Open.
const (
	BackendAuto   = "auto"
	BackendMetric = "metric"
	BackendColor  = "color"
)

// Open selects the frame source once for the whole run. With
// BackendAuto the depth device is tried first and, if it fails to open,
// the color device is used from then on; the depth device is not retried.
func Open(
	ctx context.Context,
	backend string,
	openDepth func(context.Context) (DepthDevice, error),
	openColor func(context.Context) (ColorDevice, error),
) (FrameSource, error) {
	if backend != BackendColor && openDepth != nil {
		dev, err := openDepth(ctx)
		if err == nil {
			log.Printf("capture: using metric depth backend")
			return NewMetricCapture(dev), nil
		}
		if backend == BackendMetric {
			return nil, fmt.Errorf("capture: metric backend: %w", err)
		}
		log.Printf("capture: metric depth unavailable (%v), falling back to color only", err)
	}

	if openColor == nil {
		return nil, fmt.Errorf("capture: no color backend configured: %w", ErrDeviceAbsent)
	}
	dev, err := openColor(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: color backend: %w", err)
	}
	log.Printf("capture: using color-only backend")
	return NewColorOnlyCapture(dev), nil
}
