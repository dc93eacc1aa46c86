package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/geofusion/internal/config"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/telemetry"
)

func printObjects(w io.Writer, payload []byte) error {
	var fc telemetry.FeatureCollection
	if err := json.Unmarshal(payload, &fc); err != nil {
		return err
	}
	fmt.Fprintf(w, "[OBJS]  %d features\n", len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry == nil {
			fmt.Fprintf(w, "        %-12s  no fix                    %s\n", f.Properties.Label, f.Properties.Timestamp)
			continue
		}
		fmt.Fprintf(w, "        %-12s  lat=%.6f lon=%.6f  %s\n",
			f.Properties.Label, f.Geometry.Coordinates[1], f.Geometry.Coordinates[0], f.Properties.Timestamp)
	}
	return nil
}

func printStatus(w io.Writer, payload []byte) error {
	var r telemetry.StatusReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	pos := "no fix"
	if r.Latitude != nil && r.Longitude != nil {
		pos = fmt.Sprintf("lat=%.6f lon=%.6f", *r.Latitude, *r.Longitude)
	}
	fmt.Fprintf(w, "[STAT]  %s %s  %s (%s)  heading=%.1f  depth=%s  objects=%d  gps=%t/%t\n",
		r.PlatformID, r.Status, pos, r.FixSource, r.Heading, r.DepthMode, r.Objects,
		r.GPSConnected, r.GPSAvailable)
	return nil
}

func printFix(w io.Writer, payload []byte) error {
	var f gps.Fix
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	fmt.Fprintf(w, "[GPS ]  time=%s lat=%.6f lon=%.6f alt=%.1f speed=%.1fkn course=%.1f° source=%s\n",
		f.Time.Format("15:04:05"), f.Latitude, f.Longitude, f.Altitude, f.SpeedKnots, f.CourseDeg, f.Origin)
	return nil
}

// RunConsoleMQTT prints objects, status reports and raw fixes as they
// arrive on the broker.
func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("config not initialized")
	}

	client, err := connectMQTT(cfg, "console")
	if err != nil {
		return err
	}

	subscriptions := []struct {
		topic string
		print func(io.Writer, []byte) error
	}{
		{cfg.TopicObjects, printObjects},
		{cfg.TopicStatus, printStatus},
		{cfg.TopicGPS, printFix},
	}

	for _, sub := range subscriptions {
		sub := sub
		token := client.Subscribe(sub.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if err := sub.print(os.Stdout, msg.Payload()); err != nil {
				log.Printf("console: %s unmarshal error: %v", sub.topic, err)
			}
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("console: subscribed to %s", sub.topic)
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
