package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.handlers[topic] = cb
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	b.mu.Lock()
	cb := b.handlers[topic]
	b.mu.Unlock()
	if cb != nil {
		cb(nil, fakeMessage{topic: topic, payload: payload})
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func alignedPayload(t *testing.T, seq uint64, w, h int, mm uint16) []byte {
	t.Helper()
	depth := make([]byte, 2*w*h)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint16(depth[2*i:], mm)
	}
	payload, err := json.Marshal(AlignedMessage{
		Seq: seq, Width: w, Height: h,
		Fx: 500, Fy: 500, Cx: float64(w) / 2, Cy: float64(h) / 2,
		DepthScale: 0.001,
		Color:      pngBytes(t, w, h),
		Depth:      depth,
	})
	require.NoError(t, err)
	return payload
}

type fakeColor struct{ closed atomic.Bool }

func (f *fakeColor) ReadColor(ctx context.Context) (Frame, error) {
	return Frame{Width: 4, Height: 3}, nil
}
func (f *fakeColor) Close() error { f.closed.Store(true); return nil }

type fakeDepth struct{}

func (fakeDepth) ReadAligned(ctx context.Context) (Frame, DepthMap, error) {
	return Frame{Width: 2, Height: 1}, DepthMap{Width: 2, Height: 1, Meters: []float32{1, 2}}, nil
}
func (fakeDepth) Intrinsics() Intrinsics { return Intrinsics{Fx: 500, Cx: 320} }
func (fakeDepth) Close() error           { return nil }

// --- tests ---

func TestDepthMapAt(t *testing.T) {
	d := &DepthMap{Width: 2, Height: 2, Meters: []float32{1, 2, 3, 4}}
	assert.Equal(t, 4.0, d.At(1, 1))
	assert.Equal(t, 2.0, d.At(1, 0))
	assert.Zero(t, d.At(2, 0))
	assert.Zero(t, d.At(-1, 0))

	var nilMap *DepthMap
	assert.Zero(t, nilMap.At(0, 0))
}

func TestRelativeDepthAtScalesToFrame(t *testing.T) {
	r := &RelativeDepth{Width: 2, Height: 2, Values: []float32{0.1, 0.2, 0.3, 0.4}}

	v, ok := r.At(639, 479, 640, 480)
	require.True(t, ok)
	assert.InDelta(t, 0.4, v, 1e-6)

	v, ok = r.At(0, 0, 640, 480)
	require.True(t, ok)
	assert.InDelta(t, 0.1, v, 1e-6)

	_, ok = r.At(640, 0, 640, 480)
	assert.False(t, ok)
}

func TestOpen_FallsBackOnceToColor(t *testing.T) {
	var depthAttempts atomic.Int32
	cam := &fakeColor{}

	src, err := Open(context.Background(), BackendAuto,
		func(context.Context) (DepthDevice, error) {
			depthAttempts.Add(1)
			return nil, ErrDeviceAbsent
		},
		func(context.Context) (ColorDevice, error) { return cam, nil },
	)
	require.NoError(t, err)

	assert.Equal(t, ModeNone, src.Mode())
	_, ok := src.Intrinsics()
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		frame, depth, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Nil(t, depth)
		assert.Equal(t, 4, frame.Width)
		assert.Equal(t, ModeNone, src.Mode())
	}
	assert.Equal(t, int32(1), depthAttempts.Load())

	require.NoError(t, src.Release())
	assert.True(t, cam.closed.Load())
}

func TestOpen_PrefersMetric(t *testing.T) {
	src, err := Open(context.Background(), BackendAuto,
		func(context.Context) (DepthDevice, error) { return fakeDepth{}, nil },
		func(context.Context) (ColorDevice, error) {
			t.Fatal("color backend must not be opened")
			return nil, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, ModeMetric, src.Mode())

	in, ok := src.Intrinsics()
	require.True(t, ok)
	assert.Equal(t, 320.0, in.Cx)

	_, depth, err := src.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, 2.0, depth.At(1, 0))
}

func TestOpen_BackendSelection(t *testing.T) {
	failDepth := func(context.Context) (DepthDevice, error) { return nil, ErrDeviceAbsent }
	okColor := func(context.Context) (ColorDevice, error) { return &fakeColor{}, nil }

	_, err := Open(context.Background(), BackendMetric, failDepth, okColor)
	assert.ErrorIs(t, err, ErrDeviceAbsent)

	src, err := Open(context.Background(), BackendColor,
		func(context.Context) (DepthDevice, error) {
			t.Fatal("depth backend must not be opened")
			return nil, nil
		}, okColor)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, src.Mode())

	_, err = Open(context.Background(), BackendAuto, failDepth, nil)
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestBridgeDevice_ProbeAndRead(t *testing.T) {
	broker := newFakeBroker()
	ctx := context.Background()
	first := alignedPayload(t, 7, 4, 3, 2500)

	go func() {
		// publish once the probe has subscribed
		for {
			broker.mu.Lock()
			_, ok := broker.handlers["camera/aligned"]
			broker.mu.Unlock()
			if ok {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		broker.publish("camera/aligned", first)
	}()

	dev, err := NewBridgeDevice(ctx, broker, "camera/aligned", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 500.0, dev.Intrinsics().Fx)
	assert.Equal(t, 2.0, dev.Intrinsics().Cx)

	frame, depth, err := dev.ReadAligned(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), frame.Seq)
	assert.Equal(t, 4, frame.Width)
	assert.Equal(t, "png", frame.Format)
	assert.InDelta(t, 2.5, depth.At(3, 2), 1e-6)

	broker.publish("camera/aligned", []byte(`{"width":0}`))
	_, _, err = dev.ReadAligned(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, dev.Close())
	assert.Contains(t, broker.unsubscribed, "camera/aligned")
}

func TestBridgeDevice_AbsentWithoutFrames(t *testing.T) {
	broker := newFakeBroker()
	_, err := NewBridgeDevice(context.Background(), broker, "camera/aligned", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeviceAbsent)
	assert.Contains(t, broker.unsubscribed, "camera/aligned")
}

func TestAlignedDecode_RejectsSizeMismatch(t *testing.T) {
	var msg AlignedMessage
	require.NoError(t, json.Unmarshal(alignedPayload(t, 1, 4, 3, 1000), &msg))
	msg.Depth = msg.Depth[:10]

	_, _, err := msg.decode(time.Now())
	assert.Error(t, err)
}

func TestSnapshotDevice(t *testing.T) {
	img := pngBytes(t, 8, 6)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "camera busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	dev, err := NewSnapshotDevice(context.Background(), srv.URL, time.Second, 0)
	require.NoError(t, err)
	defer dev.Close()

	frame, err := dev.ReadColor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, frame.Width)
	assert.Equal(t, 6, frame.Height)
	assert.Equal(t, "png", frame.Format)
	assert.Equal(t, uint64(2), frame.Seq)

	fail.Store(true)
	_, err = dev.ReadColor(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestSnapshotDevice_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewSnapshotDevice(context.Background(), url, 100*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

type scriptedSource struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedSource) Next(ctx context.Context) (Frame, *DepthMap, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n <= 2 {
		return Frame{}, nil, errors.New("usb reset")
	}
	if n > 3 {
		<-ctx.Done()
		return Frame{}, nil, ctx.Err()
	}
	return Frame{Seq: uint64(n)}, &DepthMap{Width: 1, Height: 1, Meters: []float32{3}}, nil
}
func (s *scriptedSource) Mode() Mode                     { return ModeMetric }
func (s *scriptedSource) Intrinsics() (Intrinsics, bool) { return Intrinsics{}, true }
func (s *scriptedSource) Release() error                 { return nil }

func TestPump_SurvivesErrors(t *testing.T) {
	var latest Latest
	_, _, ok := latest.Load()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, &scriptedSource{}, &latest)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, ok := latest.Load()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	frame, depth, _ := latest.Load()
	assert.Equal(t, uint64(3), frame.Seq)
	assert.Equal(t, 3.0, depth.At(0, 0))

	cancel()
	<-done
}
