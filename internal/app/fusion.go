package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/config"
	"github.com/relabs-tech/geofusion/internal/fusion"
	"github.com/relabs-tech/geofusion/internal/geo"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/metrics"
	"github.com/relabs-tech/geofusion/internal/orientation"
	"github.com/relabs-tech/geofusion/internal/telemetry"
	"github.com/relabs-tech/geofusion/internal/vision"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// connectMQTT connects to the configured broker. An empty client id gets a
// random one so several tools can share a broker.
func connectMQTT(cfg *config.Config, role string) (mqtt.Client, error) {
	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "geofusion-" + role + "-" + uuid.NewString()[:8]
	} else {
		clientID += "-" + role
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("%s: connected to MQTT broker at %s as %s", role, cfg.MQTTBroker, clientID)
	return client, nil
}

func positionSourceFromConfig(cfg *config.Config) (*gps.Source, error) {
	mode, err := gps.ParseNetworkMode(cfg.NetworkFallback)
	if err != nil {
		return nil, err
	}

	var locator gps.Locator
	if mode != gps.NetworkOff && cfg.NetworkURL != "" {
		locator = gps.NewNetworkLocator(cfg.NetworkURL, ms(cfg.NetworkTimeout), cfg.NetworkAltitude)
	}

	return gps.NewSource(
		gps.OpenSerial(cfg.GPSSerialPort, cfg.GPSBaudRate, ms(cfg.GPSReadTimeout)),
		locator,
		gps.Policy{
			Reevaluate:   cfg.GPSRepromote,
			Network:      mode,
			StartupGrace: ms(cfg.GPSStartupGrace),
		},
	), nil
}

func frameSourceFromConfig(ctx context.Context, cfg *config.Config, client mqtt.Client) (capture.FrameSource, error) {
	var openDepth func(context.Context) (capture.DepthDevice, error)
	if cfg.CameraBridgeTopic != "" {
		openDepth = func(ctx context.Context) (capture.DepthDevice, error) {
			return capture.NewBridgeDevice(ctx, client, cfg.CameraBridgeTopic, ms(cfg.CameraProbeTimeout))
		}
	}

	var openColor func(context.Context) (capture.ColorDevice, error)
	if cfg.CameraSnapshotURL != "" {
		openColor = func(ctx context.Context) (capture.ColorDevice, error) {
			return capture.NewSnapshotDevice(ctx, cfg.CameraSnapshotURL, ms(cfg.CameraProbeTimeout), ms(cfg.CycleInterval))
		}
	}

	return capture.Open(ctx, cfg.CameraBackend, openDepth, openColor)
}

// RunFusion wires the position source, frame source, tracker and
// telemetry sinks together and runs the fusion cycle until SIGINT or
// SIGTERM.
func RunFusion() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("config not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	client, err := connectMQTT(cfg, "fusion")
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Disconnect(250)

	// ---- position ----
	position, err := positionSourceFromConfig(cfg)
	if err != nil {
		return err
	}
	position.Start(ctx)
	defer position.Stop()

	// ---- frames ----
	src, err := frameSourceFromConfig(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer src.Release()
	collector.SetMetricDepth(src.Mode() == capture.ModeMetric)

	var wg sync.WaitGroup
	latest := &capture.Latest{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		capture.Pump(ctx, src, latest)
	}()

	// ---- vision services ----
	tracker := vision.NewHTTPTracker(cfg.TrackerURL, ms(cfg.CycleInterval)*10)
	if err := tracker.HealthCheck(ctx); err != nil {
		log.Printf("fusion: tracker not ready yet: %v", err)
	}
	var estimator vision.DepthEstimator
	if cfg.DepthEstimatorURL != "" && src.Mode() != capture.ModeMetric {
		est := vision.NewHTTPDepthEstimator(cfg.DepthEstimatorURL, ms(cfg.CycleInterval)*10)
		if err := est.HealthCheck(ctx); err != nil {
			log.Printf("fusion: depth estimator not ready yet: %v", err)
		}
		estimator = est
	}

	var heading orientation.HeadingSource = orientation.Fixed(0)
	if cfg.HeadingTopic != "" {
		h, err := orientation.SubscribeHeading(client, cfg.HeadingTopic)
		if err != nil {
			log.Printf("fusion: heading unavailable, assuming 0: %v", err)
		} else {
			heading = h
		}
	}

	sampler, err := geo.NewDepthSampler(cfg.DepthSampling)
	if err != nil {
		return err
	}

	// ---- telemetry ----
	socketIO := telemetry.NewSocketIOSink()
	go func() {
		if err := socketIO.Serve(); err != nil {
			log.Printf("fusion: socket.io serve error: %v", err)
		}
	}()
	defer socketIO.Close()

	hub := telemetry.NewWebsocketHub()
	defer hub.Close()

	publisher := telemetry.NewPublisher(cfg.PublishQueueSize, cfg.PublishRetries, collector,
		socketIO,
		hub,
		telemetry.NewMQTTSink(client, cfg.TopicObjects),
	)

	pipeline := &Pipeline{
		Position:   position,
		Frames:     latest,
		Mode:       src.Mode(),
		Camera:     src,
		Tracker:    tracker,
		Estimator:  estimator,
		Heading:    heading,
		Fuser:      fusion.NewFuser(cfg.PlatformID, sampler),
		Publisher:  publisher,
		Metrics:    collector,
		FixTimeout: ms(cfg.GPSFixTimeout),
	}

	heartbeat := telemetry.NewHeartbeat(client, cfg.TopicStatus, cfg.PlatformID, ms(cfg.StatusInterval), pipeline.State)

	wg.Add(2)
	go func() {
		defer wg.Done()
		// outlives ctx so Shutdown can drain the queue
		publisher.Run(context.WithoutCancel(ctx))
	}()
	go func() {
		defer wg.Done()
		heartbeat.Run(ctx)
	}()

	// ---- HTTP ----
	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: newMux(socketIO.Server(), hub, collector.Handler(), pipeline, heartbeat),
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("fusion: listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Printf("fusion: running %s as %q every %v (depth mode %s)",
		heartbeat.RunID(), cfg.PlatformID, ms(cfg.CycleInterval), src.Mode())

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		pipeline.Run(ctx, ms(cfg.CycleInterval))
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serverErr:
		err = fmt.Errorf("http server: %w", err)
		stop()
	}

	log.Println("fusion: shutting down")
	<-cycleDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := publisher.Shutdown(shutdownCtx); perr != nil {
		log.Printf("fusion: %v", perr)
	}
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Printf("fusion: http shutdown error: %v", serr)
	}
	wg.Wait()
	return err
}
