package orientation

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Pose is the fused attitude published by the inertial computer, degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// HeadingSource reports the platform's compass heading in degrees [0, 360).
// ok is false when no heading has been received yet.
type HeadingSource interface {
	Heading() (deg float64, ok bool)
}

// Fixed is a constant heading, used when no heading sensor is present.
type Fixed float64

func (f Fixed) Heading() (float64, bool) { return normalize(float64(f)), true }

// Subscriber is the part of an MQTT client MQTTHeading needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTTHeading follows the yaw of fused poses published on an MQTT topic.
type MQTTHeading struct {
	mu       sync.RWMutex
	pose     Pose
	havePose bool
}

// SubscribeHeading subscribes to topic and starts tracking its yaw.
func SubscribeHeading(client Subscriber, topic string) (*MQTTHeading, error) {
	h := &MQTTHeading{}

	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		h.handle(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	log.Printf("orientation: following heading on %s", topic)
	return h, nil
}

func (h *MQTTHeading) handle(payload []byte) {
	var p Pose
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("orientation: pose unmarshal error: %v", err)
		return
	}
	if math.IsNaN(p.Yaw) || math.IsInf(p.Yaw, 0) {
		return
	}
	h.mu.Lock()
	h.pose = p
	h.havePose = true
	h.mu.Unlock()
}

// Heading returns the latest yaw, normalised.
func (h *MQTTHeading) Heading() (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.havePose {
		return 0, false
	}
	return normalize(h.pose.Yaw), true
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
