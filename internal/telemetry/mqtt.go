package telemetry

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher is the part of mqtt.Client the sinks use.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each payload, retained, to one topic.
type MQTTSink struct {
	client  MQTTPublisher
	topic   string
	timeout time.Duration
}

func NewMQTTSink(client MQTTPublisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, timeout: 5 * time.Second}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, payload []byte) error {
	return publishMQTT(ctx, s.client, s.topic, payload, s.timeout)
}

func publishMQTT(ctx context.Context, client MQTTPublisher, topic string, payload []byte, timeout time.Duration) error {
	token := client.Publish(topic, 0, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("telemetry: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: publish to %s: %w", topic, err)
	}
	return nil
}
