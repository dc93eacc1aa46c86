package orientation

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type captureSubscriber struct {
	topic   string
	handler mqtt.MessageHandler
	err     error
}

func (c *captureSubscriber) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.topic = topic
	c.handler = cb
	return doneToken{err: c.err}
}

func TestFixed(t *testing.T) {
	h, ok := Fixed(0).Heading()
	assert.True(t, ok)
	assert.Zero(t, h)

	h, _ = Fixed(-30).Heading()
	assert.Equal(t, 330.0, h)
}

func TestMQTTHeading(t *testing.T) {
	sub := &captureSubscriber{}
	h, err := SubscribeHeading(sub, "inertial/pose/fused")
	require.NoError(t, err)
	assert.Equal(t, "inertial/pose/fused", sub.topic)

	_, ok := h.Heading()
	assert.False(t, ok)

	h.handle([]byte(`{"roll":1,"pitch":2,"yaw":-45}`))
	deg, ok := h.Heading()
	require.True(t, ok)
	assert.Equal(t, 315.0, deg)

	// malformed payloads keep the previous heading
	h.handle([]byte(`{"yaw":`))
	deg, _ = h.Heading()
	assert.Equal(t, 315.0, deg)
}

func TestSubscribeHeading_Error(t *testing.T) {
	_, err := SubscribeHeading(&captureSubscriber{err: errors.New("not connected")}, "x")
	assert.Error(t, err)
}
