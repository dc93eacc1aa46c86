package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/geofusion/internal/config"
	"github.com/relabs-tech/geofusion/internal/gps"
	"github.com/relabs-tech/geofusion/internal/telemetry"
)

// fixPublisher returns an OnFix callback publishing each fix, retained, as
// JSON on topic.
func fixPublisher(client telemetry.MQTTPublisher, topic string) func(gps.Fix) {
	return func(fix gps.Fix) {
		payload, err := json.Marshal(fix)
		if err != nil {
			log.Printf("gps: JSON marshal error: %v", err)
			return
		}

		token := client.Publish(topic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("gps: publish error: %v", token.Error())
			return
		}
		log.Printf("gps: published fix %.6f,%.6f", fix.Latitude, fix.Longitude)
	}
}

// RunGPSProducer opens the GPS serial port, parses NMEA sentences, and
// publishes every valid fix as JSON to TOPIC_GPS.
func RunGPSProducer() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("config not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectMQTT(cfg, "gps-producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	port, err := gps.OpenSerial(cfg.GPSSerialPort, cfg.GPSBaudRate, ms(cfg.GPSReadTimeout))()
	if err != nil {
		return err
	}
	log.Printf("gps: serial port opened on %s at %d baud", cfg.GPSSerialPort, cfg.GPSBaudRate)

	reader := gps.NewReader()
	reader.OnFix(fixPublisher(client, cfg.TopicGPS))

	// Consume closes the port.
	return reader.Consume(ctx, port)
}
