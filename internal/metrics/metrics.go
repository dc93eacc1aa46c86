package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fix source label values.
var fixSources = []string{"none", "gps", "network"}

// Collector bundles the fusion service metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Cycles          prometheus.Counter
	CycleDuration   prometheus.Histogram
	SkippedCycles   *prometheus.CounterVec
	Emitted         prometheus.Counter
	Suppressed      prometheus.Counter
	PublishFailures *prometheus.CounterVec
	Dropped         prometheus.Counter

	FixSource *prometheus.GaugeVec
	Objects   prometheus.Gauge
	DepthMode prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Cycles, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofusion_cycles_total",
		Help: "Fusion cycles started.",
	}), "geofusion_cycles_total"); err != nil {
		return nil, err
	}
	if c.CycleDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geofusion_cycle_duration_seconds",
		Help:    "Duration of completed fusion cycles.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}), "geofusion_cycle_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SkippedCycles, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofusion_cycles_skipped_total",
		Help: "Fusion cycles skipped, labeled by reason.",
	}, []string{"reason"}), "geofusion_cycles_skipped_total"); err != nil {
		return nil, err
	}
	if c.Emitted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofusion_snapshots_emitted_total",
		Help: "Snapshots accepted by the change gate and queued for publishing.",
	}), "geofusion_snapshots_emitted_total"); err != nil {
		return nil, err
	}
	if c.Suppressed, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofusion_snapshots_suppressed_total",
		Help: "Snapshots suppressed because nothing changed.",
	}), "geofusion_snapshots_suppressed_total"); err != nil {
		return nil, err
	}
	if c.PublishFailures, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofusion_publish_failures_total",
		Help: "Payloads a sink failed to deliver after retries, labeled by sink.",
	}, []string{"sink"}), "geofusion_publish_failures_total"); err != nil {
		return nil, err
	}
	if c.Dropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofusion_payloads_dropped_total",
		Help: "Payloads dropped because the publish queue was full.",
	}), "geofusion_payloads_dropped_total"); err != nil {
		return nil, err
	}
	if c.FixSource, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geofusion_fix_source",
		Help: "1 for the origin of the current platform fix, 0 otherwise.",
	}, []string{"source"}), "geofusion_fix_source"); err != nil {
		return nil, err
	}
	if c.Objects, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofusion_snapshot_objects",
		Help: "Objects in the latest snapshot, platform included.",
	}), "geofusion_snapshot_objects"); err != nil {
		return nil, err
	}
	if c.DepthMode, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofusion_metric_depth",
		Help: "1 when the frame source delivers metric depth.",
	}), "geofusion_metric_depth"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// CycleDone counts a cycle and records how long it took.
func (c *Collector) CycleDone(d time.Duration) {
	if c == nil {
		return
	}
	c.Cycles.Inc()
	c.CycleDuration.Observe(d.Seconds())
}

// CycleSkipped counts a cycle abandoned for reason.
func (c *Collector) CycleSkipped(reason string) {
	if c == nil {
		return
	}
	c.Cycles.Inc()
	c.SkippedCycles.WithLabelValues(reason).Inc()
}

// GateResult counts an emitted or suppressed snapshot.
func (c *Collector) GateResult(emitted bool) {
	if c == nil {
		return
	}
	if emitted {
		c.Emitted.Inc()
	} else {
		c.Suppressed.Inc()
	}
}

// PublishFailed counts a payload that sink gave up on.
func (c *Collector) PublishFailed(sink string) {
	if c == nil {
		return
	}
	c.PublishFailures.WithLabelValues(sink).Inc()
}

// PayloadDropped counts a payload evicted from the publish queue.
func (c *Collector) PayloadDropped() {
	if c == nil {
		return
	}
	c.Dropped.Inc()
}

// SetFixSource marks source ("none", "gps", "network") as current.
func (c *Collector) SetFixSource(source string) {
	if c == nil {
		return
	}
	for _, s := range fixSources {
		v := 0.0
		if s == source {
			v = 1
		}
		c.FixSource.WithLabelValues(s).Set(v)
	}
}

// SetObjects records the size of the latest snapshot.
func (c *Collector) SetObjects(n int) {
	if c == nil {
		return
	}
	c.Objects.Set(float64(n))
}

// SetMetricDepth records whether metric depth is active.
func (c *Collector) SetMetricDepth(metric bool) {
	if c == nil {
		return
	}
	if metric {
		c.DepthMode.Set(1)
	} else {
		c.DepthMode.Set(0)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
