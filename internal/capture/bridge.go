package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscriber is the part of an MQTT client the bridge needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// AlignedMessage is one frame published by the RGB-D bridge process that
// owns the depth camera. Depth is little-endian uint16 in sensor units;
// DepthScale converts a unit to metres.
type AlignedMessage struct {
	Seq        uint64  `json:"seq"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Fx         float64 `json:"fx"`
	Fy         float64 `json:"fy"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
	DepthScale float64 `json:"depth_scale"`
	Color      []byte  `json:"color"` // encoded image, base64 in JSON
	Depth      []byte  `json:"depth"`
}

// BridgeDevice is a DepthDevice fed by an RGB-D bridge over MQTT.
type BridgeDevice struct {
	client Subscriber
	topic  string

	mu         sync.Mutex
	pending    []byte // newest undelivered payload
	intrinsics Intrinsics
	ready      chan struct{} // signalled when pending is replaced
}

// NewBridgeDevice subscribes to topic and waits up to probe for the first
// frame. No frame within the window means there is no depth camera.
func NewBridgeDevice(ctx context.Context, client Subscriber, topic string, probe time.Duration) (*BridgeDevice, error) {
	b := &BridgeDevice{
		client: client,
		topic:  topic,
		ready:  make(chan struct{}, 1),
	}

	token := client.Subscribe(topic, 0, b.onMessage)
	if !token.WaitTimeout(probe) {
		return nil, fmt.Errorf("subscribe %s: timed out: %w", topic, ErrDeviceAbsent)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	timer := time.NewTimer(probe)
	defer timer.Stop()
	select {
	case <-b.ready:
		// put the signal back for the first ReadAligned
		b.signal()
	case <-timer.C:
		client.Unsubscribe(topic)
		return nil, fmt.Errorf("no aligned frame on %s within %v: %w", topic, probe, ErrDeviceAbsent)
	case <-ctx.Done():
		client.Unsubscribe(topic)
		return nil, ctx.Err()
	}

	payload := b.peek()
	msg, err := parseAligned(payload)
	if err != nil {
		client.Unsubscribe(topic)
		return nil, fmt.Errorf("bridge probe frame: %w", err)
	}
	b.mu.Lock()
	b.intrinsics = Intrinsics{Fx: msg.Fx, Fy: msg.Fy, Cx: msg.Cx, Cy: msg.Cy}
	b.mu.Unlock()

	log.Printf("capture: depth bridge on %s (%dx%d, fx=%.1f cx=%.1f)", topic, msg.Width, msg.Height, msg.Fx, msg.Cx)
	return b, nil
}

func (b *BridgeDevice) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	b.pending = msg.Payload()
	b.mu.Unlock()
	b.signal()
}

func (b *BridgeDevice) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *BridgeDevice) peek() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *BridgeDevice) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	b.pending = nil
	return p
}

// ReadAligned waits for the next frame from the bridge. Frames that
// arrive while the caller is busy are replaced by newer ones.
func (b *BridgeDevice) ReadAligned(ctx context.Context) (Frame, DepthMap, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, DepthMap{}, ctx.Err()
		case <-b.ready:
		}

		payload := b.take()
		if payload == nil {
			continue
		}

		msg, err := parseAligned(payload)
		if err != nil {
			return Frame{}, DepthMap{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		frame, depth, err := msg.decode(time.Now())
		if err != nil {
			return Frame{}, DepthMap{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}

		b.mu.Lock()
		b.intrinsics = Intrinsics{Fx: msg.Fx, Fy: msg.Fy, Cx: msg.Cx, Cy: msg.Cy}
		b.mu.Unlock()
		return frame, depth, nil
	}
}

// Intrinsics returns the camera model reported by the latest frame.
func (b *BridgeDevice) Intrinsics() Intrinsics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intrinsics
}

// Close unsubscribes from the bridge topic.
func (b *BridgeDevice) Close() error {
	token := b.client.Unsubscribe(b.topic)
	token.WaitTimeout(time.Second)
	return token.Error()
}

func parseAligned(payload []byte) (AlignedMessage, error) {
	var msg AlignedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode aligned frame: %w", err)
	}
	if msg.Width <= 0 || msg.Height <= 0 {
		return msg, fmt.Errorf("aligned frame has size %dx%d", msg.Width, msg.Height)
	}
	if msg.Fx <= 0 {
		return msg, fmt.Errorf("aligned frame has focal length %v", msg.Fx)
	}
	return msg, nil
}

// decode turns the message into a Frame and a metric DepthMap.
func (m AlignedMessage) decode(now time.Time) (Frame, DepthMap, error) {
	n := m.Width * m.Height
	if len(m.Depth) != 2*n {
		return Frame{}, DepthMap{}, fmt.Errorf("depth has %d bytes, want %d", len(m.Depth), 2*n)
	}

	img, format, err := image.Decode(bytes.NewReader(m.Color))
	if err != nil {
		return Frame{}, DepthMap{}, fmt.Errorf("decode color: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != m.Width || bounds.Dy() != m.Height {
		return Frame{}, DepthMap{}, fmt.Errorf("color is %dx%d, depth is %dx%d",
			bounds.Dx(), bounds.Dy(), m.Width, m.Height)
	}

	scale := m.DepthScale
	if scale <= 0 {
		scale = 0.001 // millimetres
	}
	meters := make([]float32, n)
	for i := range meters {
		meters[i] = float32(float64(binary.LittleEndian.Uint16(m.Depth[2*i:])) * scale)
	}

	frame := Frame{
		Image:    img,
		Width:    m.Width,
		Height:   m.Height,
		Captured: now,
		Seq:      m.Seq,
		Encoded:  m.Color,
		Format:   format,
	}
	return frame, DepthMap{Width: m.Width, Height: m.Height, Meters: meters}, nil
}
